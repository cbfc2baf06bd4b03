package strategy

import (
	"errors"
	"fmt"
	"time"

	"okx-carry-unwind/internal/market"
)

var (
	ErrQuoteStale   = errors.New("quote stale")
	ErrQuoteEmpty   = errors.New("quote has empty book side")
	ErrQuoteCrossed = errors.New("quote crossed")
)

// CheckQuote rejects a quote the gate should not act on.
func CheckQuote(q market.Quote, maxAge time.Duration, now time.Time) error {
	if !q.Valid() || q.BestBidSize <= 0 || q.BestAskSize <= 0 {
		return fmt.Errorf("%s: %w", q.InstID, ErrQuoteEmpty)
	}
	if q.BestBid > q.BestAsk {
		return fmt.Errorf("%s bid %.8g above ask %.8g: %w", q.InstID, q.BestBid, q.BestAsk, ErrQuoteCrossed)
	}
	if maxAge > 0 && !q.FetchedAt.IsZero() {
		if age := now.Sub(q.FetchedAt); age > maxAge {
			return fmt.Errorf("%s age %s exceeds %s: %w", q.InstID, age, maxAge, ErrQuoteStale)
		}
	}
	return nil
}

// CheckPair applies CheckQuote to both legs.
func CheckPair(spot, swap market.Quote, maxAge time.Duration, now time.Time) error {
	if err := CheckQuote(spot, maxAge, now); err != nil {
		return err
	}
	return CheckQuote(swap, maxAge, now)
}
