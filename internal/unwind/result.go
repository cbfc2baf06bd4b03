package unwind

import (
	"errors"
	"time"

	"okx-carry-unwind/internal/ledger"
	"okx-carry-unwind/internal/strategy"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPositionTooSmall    = errors.New("position too small")
	ErrBusy                = errors.New("unwind already running")
	ErrNothingToResume     = errors.New("no progress record to resume")
)

// RunningTotals accumulate across rounds of one operation. FilledBaseSum
// counts base unwound on the swap leg and never decreases.
type RunningTotals struct {
	FilledBaseSum float64 `json:"filled_base_sum"`
	USDTReleased  float64 `json:"usdt_released"`
	FeeTotal      float64 `json:"fee_total"`
	SpotNotional  float64 `json:"spot_notional"`
	SwapNotional  float64 `json:"swap_notional"`
}

func (t RunningTotals) ledgerTotals() ledger.Totals {
	return ledger.Totals{
		SpotNotional: t.SpotNotional,
		SwapNotional: t.SwapNotional,
		FeeTotal:     t.FeeTotal,
	}
}

// Result is returned by every operation, including aborted ones, so the
// caller can reconcile partial progress.
type Result struct {
	Coin         string
	Kind         strategy.Kind
	Status       strategy.State
	USDTReleased float64
	Totals       RunningTotals
	Remaining    float64
	Rounds       int
	Err          error
}

// Snapshot is the live view of the current or last operation.
type Snapshot struct {
	Coin      string         `json:"coin"`
	Kind      strategy.Kind  `json:"kind"`
	Status    strategy.State `json:"status"`
	Remaining float64        `json:"remaining"`
	Threshold float64        `json:"threshold"`
	Counter   int            `json:"counter"`
	Rounds    int            `json:"rounds"`
	Totals    RunningTotals  `json:"totals"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
