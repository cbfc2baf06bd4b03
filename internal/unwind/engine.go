package unwind

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"okx-carry-unwind/internal/account"
	"okx-carry-unwind/internal/config"
	"okx-carry-unwind/internal/exec"
	"okx-carry-unwind/internal/ledger"
	"okx-carry-unwind/internal/market"
	"okx-carry-unwind/internal/metrics"
	"okx-carry-unwind/internal/state"
	"okx-carry-unwind/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type InstrumentSource interface {
	Pair(ctx context.Context, coin string) (market.InstrumentPair, error)
}

type QuoteSource interface {
	FetchPairQuotes(ctx context.Context, spotID, swapID string) (market.Quote, market.Quote, error)
}

type Account interface {
	SpotBalance(ctx context.Context, asset string) (float64, error)
	SwapPosition(ctx context.Context, instID string) (account.SwapPosition, error)
	Leverage(ctx context.Context, instID string) (float64, error)
	AdjustMargin(ctx context.Context, instID string, amount float64, direction string) error
}

type RoundDispatcher interface {
	Dispatch(ctx context.Context, round exec.Round) exec.RoundResult
}

// OrderRecovery settles orders an earlier process left pending.
type OrderRecovery interface {
	Recover(ctx context.Context, instIDs ...string) ([]exec.RecoveredOrder, error)
}

type Notifier interface {
	Emit(ctx context.Context, message string)
}

// SpreadSample is one gate observation handed to the spread recorder.
type SpreadSample struct {
	Time      time.Time
	Coin      string
	SpotBid   float64
	SwapAsk   float64
	Premium   float64
	Threshold float64
}

type SpreadRecorder interface {
	RecordSpread(sample SpreadSample)
}

type Deps struct {
	Instruments InstrumentSource
	Quotes      QuoteSource
	Account     Account
	Dispatcher  RoundDispatcher
	Orders      OrderRecovery
	Store       state.Store
	Ledger      ledger.Recorder
	Stats       strategy.SpreadStats
	Spreads     SpreadRecorder
	Metrics     *metrics.Metrics
	Notifier    Notifier
}

// Request describes one reduce or close. Size is in base units; USDT, when
// set, is converted to a base size using swap leverage. Resume continues an
// aborted reduce from its progress record instead. Zero Threshold and
// AccelerateAfter fall back to configuration.
type Request struct {
	Coin            string
	Size            float64
	USDT            float64
	Resume          bool
	Threshold       float64
	AccelerateAfter time.Duration
}

type Engine struct {
	cfg       config.UnwindConfig
	accountID string
	deps      Deps
	log       *zap.Logger

	running atomic.Bool
	stop    atomic.Bool

	mu   sync.RWMutex
	snap Snapshot

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg config.UnwindConfig, accountID string, deps Deps, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	return &Engine{
		cfg:       cfg,
		accountID: accountID,
		deps:      deps,
		log:       log,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Reduce sells req.Size (or the base equivalent of req.USDT) of spot and
// buys back the matching swap short. A target larger than either leg turns
// into a full close.
func (e *Engine) Reduce(ctx context.Context, req Request) Result {
	return e.execute(ctx, strategy.KindReduce, req)
}

// Close unwinds the whole hedged pair for req.Coin.
func (e *Engine) Close(ctx context.Context, req Request) Result {
	return e.execute(ctx, strategy.KindClose, req)
}

// Stop asks the running operation to finish after its current round.
func (e *Engine) Stop() {
	if e.stop.CompareAndSwap(false, true) {
		e.log.Info("stop requested")
	}
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) Status() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *Engine) update(fn func(*Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.snap)
	e.snap.UpdatedAt = e.now().UTC()
}

func (e *Engine) execute(ctx context.Context, kind strategy.Kind, req Request) Result {
	coin := strings.ToUpper(strings.TrimSpace(req.Coin))
	if !e.running.CompareAndSwap(false, true) {
		return Result{Coin: coin, Kind: kind, Status: strategy.StateAborted, Err: ErrBusy}
	}
	defer e.running.Store(false)
	e.stop.Store(false)
	req.Coin = coin

	run := &operation{
		engine: e,
		kind:   kind,
		req:    req,
		sm:     strategy.NewStateMachine(),
		log:    e.log.With(zap.String("coin", coin), zap.String("op", string(kind))),
	}
	e.update(func(s *Snapshot) {
		*s = Snapshot{Coin: coin, Kind: kind, Status: strategy.StateInitializing, StartedAt: e.now().UTC()}
	})
	res := run.execute(ctx)
	e.update(func(s *Snapshot) {
		s.Kind = res.Kind
		s.Status = res.Status
		s.Remaining = res.Remaining
		s.Totals = res.Totals
		s.Rounds = res.Rounds
	})
	e.deps.Metrics.RunsFinished.Inc(string(res.Status))
	e.report(ctx, res)
	return res
}

func (e *Engine) report(ctx context.Context, res Result) {
	fields := []zap.Field{
		zap.String("coin", res.Coin),
		zap.String("op", string(res.Kind)),
		zap.String("status", string(res.Status)),
		zap.Float64("usdt_released", res.USDTReleased),
		zap.Float64("filled_base", res.Totals.FilledBaseSum),
		zap.Float64("remaining", res.Remaining),
		zap.Int("rounds", res.Rounds),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
		e.log.Warn("unwind finished", fields...)
	} else {
		e.log.Info("unwind finished", fields...)
	}
	if e.deps.Notifier == nil {
		return
	}
	msg := fmt.Sprintf("%s %s %s: released %.4f USDT, unwound %.6f %s, remaining %.6f",
		res.Kind, res.Coin, res.Status, res.USDTReleased, res.Totals.FilledBaseSum, res.Coin, res.Remaining)
	if res.Err != nil {
		msg += fmt.Sprintf(" (%v)", res.Err)
	}
	e.deps.Notifier.Emit(ctx, msg)
}

type balances struct {
	spot      float64
	contracts float64
	margin    float64
}

func (e *Engine) balances(ctx context.Context, pair market.InstrumentPair) (balances, error) {
	var out balances
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		spot, err := e.deps.Account.SpotBalance(gctx, pair.Coin)
		out.spot = spot
		return err
	})
	g.Go(func() error {
		pos, err := e.deps.Account.SwapPosition(gctx, pair.SwapSymbol)
		out.contracts = pos.Contracts
		out.margin = pos.Margin
		return err
	})
	if err := g.Wait(); err != nil {
		return balances{}, err
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
