package ledger

import (
	"context"
	"time"
)

const (
	TitleSpotSell  = "spot sell"
	TitleSwapClose = "swap close short"
	TitleFee       = "fee"
	TitleCloseMark = "position closed"
)

const (
	FieldSpot = "spot_notional"
	FieldSwap = "swap_notional"
	FieldFee  = "fee"
	FieldNone = ""
)

// Entry is one line of an unwind's accounting. Field names which notional
// Amount carries; the close marker has none.
type Entry struct {
	Account    string
	Instrument string
	Timestamp  time.Time
	Title      string
	Field      string
	Amount     float64
}

type Recorder interface {
	AppendLedgerEntries(ctx context.Context, entries []Entry) error
}

// Totals summarises one operation for the ledger.
type Totals struct {
	SpotNotional float64
	SwapNotional float64
	FeeTotal     float64
}

// Entries builds the ledger lines for an operation: spot notional, swap
// notional and fees, plus a terminal marker for full closes.
func Entries(account, instrument string, at time.Time, totals Totals, closed bool) []Entry {
	at = at.UTC()
	entries := []Entry{
		{Account: account, Instrument: instrument, Timestamp: at, Title: TitleSpotSell, Field: FieldSpot, Amount: totals.SpotNotional},
		{Account: account, Instrument: instrument, Timestamp: at, Title: TitleSwapClose, Field: FieldSwap, Amount: totals.SwapNotional},
		{Account: account, Instrument: instrument, Timestamp: at, Title: TitleFee, Field: FieldFee, Amount: totals.FeeTotal},
	}
	if closed {
		entries = append(entries, Entry{Account: account, Instrument: instrument, Timestamp: at, Title: TitleCloseMark, Field: FieldNone})
	}
	return entries
}

// Multi fans entries out to every recorder and returns the first error.
type Multi []Recorder

func (m Multi) AppendLedgerEntries(ctx context.Context, entries []Entry) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.AppendLedgerEntries(ctx, entries); err != nil && first == nil {
			first = err
		}
	}
	return first
}
