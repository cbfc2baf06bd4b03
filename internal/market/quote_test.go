package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"okx-carry-unwind/internal/okx/rest"
	"okx-carry-unwind/internal/okx/ws"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type fakeTickers struct {
	mu      sync.Mutex
	tickers map[string]rest.Ticker
	errs    map[string]error
	calls   int
	delay   time.Duration
}

func (f *fakeTickers) Ticker(ctx context.Context, instID string) (rest.Ticker, error) {
	f.mu.Lock()
	f.calls++
	err := f.errs[instID]
	t := f.tickers[instID]
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return rest.Ticker{}, err
	}
	return t, nil
}

func TestFetchPairQuotes(t *testing.T) {
	src := &fakeTickers{tickers: map[string]rest.Ticker{
		"BTC-USDT":      {InstID: "BTC-USDT", BidPx: 50000, BidSz: 2, AskPx: 50001, AskSz: 1},
		"BTC-USDT-SWAP": {InstID: "BTC-USDT-SWAP", BidPx: 50100, BidSz: 300, AskPx: 50101, AskSz: 200},
	}}
	q := NewQuotes(src, nil, 0, zap.NewNop())
	spot, swap, err := q.FetchPairQuotes(context.Background(), "BTC-USDT", "BTC-USDT-SWAP")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if spot.BestBid != 50000 || spot.BestBidSize != 2 {
		t.Fatalf("unexpected spot quote: %+v", spot)
	}
	if swap.BestAsk != 50101 || swap.BestAskSize != 200 {
		t.Fatalf("unexpected swap quote: %+v", swap)
	}
	if spot.FetchedAt.IsZero() {
		t.Fatalf("expected fetch time")
	}
}

func TestFetchPairQuotesRunsConcurrently(t *testing.T) {
	src := &fakeTickers{
		tickers: map[string]rest.Ticker{"A": {InstID: "A", BidPx: 1, AskPx: 1}, "B": {InstID: "B", BidPx: 1, AskPx: 1}},
		delay:   100 * time.Millisecond,
	}
	q := NewQuotes(src, nil, 0, zap.NewNop())
	start := time.Now()
	if _, _, err := q.FetchPairQuotes(context.Background(), "A", "B"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 190*time.Millisecond {
		t.Fatalf("expected concurrent fetch, took %v", elapsed)
	}
}

func TestFetchPairQuotesFailureIsMarketDataUnavailable(t *testing.T) {
	src := &fakeTickers{
		tickers: map[string]rest.Ticker{"BTC-USDT": {InstID: "BTC-USDT", BidPx: 1, AskPx: 1}},
		errs:    map[string]error{"BTC-USDT-SWAP": errors.New("timeout")},
	}
	q := NewQuotes(src, nil, 0, zap.NewNop())
	_, _, err := q.FetchPairQuotes(context.Background(), "BTC-USDT", "BTC-USDT-SWAP")
	if !errors.Is(err, ErrMarketDataUnavailable) {
		t.Fatalf("expected ErrMarketDataUnavailable, got %v", err)
	}
}

func TestQuotePrefersFreshStream(t *testing.T) {
	src := &fakeTickers{tickers: map[string]rest.Ticker{"BTC-USDT": {InstID: "BTC-USDT", BidPx: 1, AskPx: 2}}}
	stream := NewStream(nil, zap.NewNop())
	now := time.Now()
	stream.now = func() time.Time { return now }
	stream.handlePush(tickerFrame(t, "BTC-USDT", "49999", "50001"))

	q := NewQuotes(src, stream, 5*time.Second, zap.NewNop())
	quote, err := q.Quote(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.BestBid != 49999 || src.calls != 0 {
		t.Fatalf("expected stream quote without REST, got %+v calls=%d", quote, src.calls)
	}

	stream.now = func() time.Time { return now.Add(10 * time.Second) }
	quote, err = q.Quote(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.BestBid != 1 || src.calls != 1 {
		t.Fatalf("expected REST fallback for stale stream, got %+v calls=%d", quote, src.calls)
	}
}

func TestStreamIgnoresInvalidPush(t *testing.T) {
	stream := NewStream(nil, zap.NewNop())
	stream.handlePush(tickerFrame(t, "BTC-USDT", "", "50001"))
	if _, ok := stream.Latest("BTC-USDT", 0); ok {
		t.Fatalf("expected push without bid to be dropped")
	}
	stream.handlePush(ws.Push{Arg: ws.Arg{Channel: "trades", InstID: "BTC-USDT"}, Data: json.RawMessage(`[{}]`)})
	if _, ok := stream.Latest("BTC-USDT", 0); ok {
		t.Fatalf("expected other channels to be ignored")
	}
}

func tickerFrame(t *testing.T, instID, bid, ask string) ws.Push {
	t.Helper()
	data, err := json.Marshal([]tickerPush{{InstID: instID, BidPx: bid, BidSz: "1", AskPx: ask, AskSz: "1"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ws.Push{Arg: ws.Arg{Channel: tickersChannel, InstID: instID}, Data: data}
}
