package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"okx-carry-unwind/internal/okx/rest"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrMarketDataUnavailable is retryable: callers back off and fetch again.
var ErrMarketDataUnavailable = errors.New("market data unavailable")

type Quote struct {
	InstID      string
	BestBid     float64
	BestBidSize float64
	BestAsk     float64
	BestAskSize float64
	Last        float64
	FetchedAt   time.Time
}

func (q Quote) Valid() bool {
	return q.BestBid > 0 && q.BestAsk > 0
}

type TickerSource interface {
	Ticker(ctx context.Context, instID string) (rest.Ticker, error)
}

// Quotes serves best bid/ask, preferring a fresh stream snapshot and falling
// back to REST.
type Quotes struct {
	rest   TickerSource
	stream *Stream
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time
}

func NewQuotes(source TickerSource, stream *Stream, maxAge time.Duration, log *zap.Logger) *Quotes {
	if log == nil {
		log = zap.NewNop()
	}
	return &Quotes{rest: source, stream: stream, maxAge: maxAge, log: log, now: time.Now}
}

func (q *Quotes) Quote(ctx context.Context, instID string) (Quote, error) {
	if q.stream != nil {
		if quote, ok := q.stream.Latest(instID, q.maxAge); ok {
			return quote, nil
		}
	}
	if q.rest == nil {
		return Quote{}, fmt.Errorf("%w: no source for %s", ErrMarketDataUnavailable, instID)
	}
	ticker, err := q.rest.Ticker(ctx, instID)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrMarketDataUnavailable, instID, err)
	}
	return fromTicker(ticker, q.now()), nil
}

// FetchPairQuotes fetches both legs concurrently; either failure fails the
// pair.
func (q *Quotes) FetchPairQuotes(ctx context.Context, spotID, swapID string) (Quote, Quote, error) {
	var spot, swap Quote
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		spot, err = q.Quote(gctx, spotID)
		return err
	})
	g.Go(func() error {
		var err error
		swap, err = q.Quote(gctx, swapID)
		return err
	})
	if err := g.Wait(); err != nil {
		q.log.Debug("pair quote fetch failed", zap.String("spot", spotID), zap.String("swap", swapID), zap.Error(err))
		return Quote{}, Quote{}, err
	}
	return spot, swap, nil
}

func fromTicker(t rest.Ticker, fetched time.Time) Quote {
	return Quote{
		InstID:      t.InstID,
		BestBid:     t.BidPx,
		BestBidSize: t.BidSz,
		BestAsk:     t.AskPx,
		BestAskSize: t.AskSz,
		Last:        t.Last,
		FetchedAt:   fetched,
	}
}
