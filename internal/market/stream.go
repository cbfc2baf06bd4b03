package market

import (
	"context"
	"sync"
	"time"

	"okx-carry-unwind/internal/okx/rest"
	"okx-carry-unwind/internal/okx/ws"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const tickersChannel = "tickers"

// Stream caches the latest ticker push per instrument.
type Stream struct {
	ws  *ws.Client
	log *zap.Logger
	now func() time.Time

	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewStream(client *ws.Client, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{ws: client, log: log, now: time.Now, quotes: make(map[string]Quote)}
}

func (s *Stream) Start(ctx context.Context, instIDs ...string) error {
	if s.ws == nil {
		return nil
	}
	if err := s.ws.Connect(ctx); err != nil {
		return err
	}
	args := make([]ws.Arg, 0, len(instIDs))
	for _, id := range instIDs {
		args = append(args, ws.Arg{Channel: tickersChannel, InstID: id})
	}
	if err := s.ws.Subscribe(ctx, args...); err != nil {
		return err
	}
	go func() {
		if err := s.ws.Run(ctx, s.handlePush); err != nil && ctx.Err() == nil {
			s.log.Warn("ticker stream stopped", zap.Error(err))
		}
	}()
	return nil
}

// Latest returns the cached quote when it is younger than maxAge.
func (s *Stream) Latest(instID string, maxAge time.Duration) (Quote, bool) {
	s.mu.RLock()
	quote, ok := s.quotes[instID]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, false
	}
	if maxAge > 0 && s.now().Sub(quote.FetchedAt) > maxAge {
		return Quote{}, false
	}
	return quote, true
}

type tickerPush struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
	TS     string `json:"ts"`
}

func (s *Stream) handlePush(push ws.Push) {
	if push.Arg.Channel != tickersChannel || len(push.Data) == 0 {
		return
	}
	var rows []tickerPush
	if err := json.Unmarshal(push.Data, &rows); err != nil {
		s.log.Debug("ticker decode error", zap.Error(err))
		return
	}
	for _, row := range rows {
		ticker, err := rest.ParseTicker(row.InstID, row.Last, row.BidPx, row.BidSz, row.AskPx, row.AskSz, row.TS)
		if err != nil {
			s.log.Debug("ticker push rejected", zap.Error(err))
			continue
		}
		quote := fromTicker(ticker, s.now())
		s.mu.Lock()
		s.quotes[quote.InstID] = quote
		s.mu.Unlock()
	}
}
