package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"okx-carry-unwind/internal/account"
	"okx-carry-unwind/internal/alerts"
	"okx-carry-unwind/internal/config"
	"okx-carry-unwind/internal/exec"
	"okx-carry-unwind/internal/ledger"
	"okx-carry-unwind/internal/market"
	"okx-carry-unwind/internal/metrics"
	"okx-carry-unwind/internal/okx/rest"
	"okx-carry-unwind/internal/okx/ws"
	"okx-carry-unwind/internal/state"
	"okx-carry-unwind/internal/state/sqlite"
	"okx-carry-unwind/internal/stats"
	"okx-carry-unwind/internal/strategy"
	"okx-carry-unwind/internal/timescale"
	"okx-carry-unwind/internal/unwind"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentTTL = time.Hour

// localStore is the durable key/value and ledger store backing a run.
type localStore interface {
	state.Store
	state.Lister
	ledger.Recorder
	LedgerEntries(ctx context.Context, account, instrument string) ([]ledger.Entry, error)
}

type operatorClient interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]alerts.Update, error)
	Send(ctx context.Context, message string) error
}

type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       localStore
	rest        *rest.Client
	ws          *ws.Client
	stream      *market.Stream
	instruments *market.Instruments
	account     *account.Account
	executor    *exec.Executor
	ledger      *ledger.Postgres
	timescale   *timescale.Writer
	rolling     *stats.Rolling
	prom        *metrics.Prometheus
	metrics     *metrics.Metrics
	operator    operatorClient
	notifier    *alerts.Notifier

	engineMu sync.RWMutex
	engine   *unwind.Engine

	operatorWarned bool
}

// New wires every collaborator from cfg. Only the sqlite store is required
// for read-only commands; trading commands also need credentials.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(rest.Options{
		BaseURL: cfg.REST.BaseURL,
		Timeout: cfg.REST.Timeout,
		Credentials: rest.Credentials{
			APIKey:     cfg.Account.APIKey,
			SecretKey:  cfg.Account.SecretKey,
			Passphrase: cfg.Account.Passphrase,
		},
		Simulated: cfg.REST.Simulated,
	}, log)
	instruments, err := market.NewInstruments(restClient, instrumentTTL, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var wsClient *ws.Client
	var stream *market.Stream
	if cfg.WS.EnabledValue() {
		wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
		stream = market.NewStream(wsClient, log)
	}
	ledgerDB, err := ledger.Open(cfg.Ledger, log)
	if err != nil {
		instruments.Close()
		_ = store.Close()
		return nil, err
	}
	tsWriter, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = ledgerDB.Close()
		instruments.Close()
		_ = store.Close()
		return nil, err
	}

	app := &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		rest:        restClient,
		ws:          wsClient,
		stream:      stream,
		instruments: instruments,
		account:     account.New(restClient, log),
		executor:    exec.New(restClient, store, log),
		ledger:      ledgerDB,
		timescale:   tsWriter,
		rolling:     stats.NewRolling(rollingRetention(cfg.Unwind)),
		metrics:     metrics.NewNoop(),
	}
	if cfg.Metrics.EnabledValue() {
		app.prom = metrics.NewPrometheus()
		app.metrics = app.prom.Metrics
	}
	if cfg.Telegram.Enabled {
		telegram := alerts.NewTelegram(cfg.Telegram, log)
		app.operator = telegram
		app.notifier = alerts.NewNotifier(telegram, log)
	} else {
		app.notifier = alerts.NewNotifier(nil, log)
	}
	return app, nil
}

func rollingRetention(cfg config.UnwindConfig) time.Duration {
	if cfg.StatsWindow > 0 {
		return cfg.StatsWindow
	}
	if cfg.AccelerateAfter > 0 {
		return cfg.AccelerateAfter
	}
	return 24 * time.Hour
}

// Run executes one reduce or close to a terminal state. Background services
// (ticker stream, spread writer, metrics server, operator) live only as long
// as the operation.
func (a *App) Run(ctx context.Context, kind strategy.Kind, req unwind.Request) (unwind.Result, error) {
	if err := a.cfg.RequireCredentials(); err != nil {
		return unwind.Result{}, err
	}
	pair, err := a.instruments.Pair(ctx, req.Coin)
	if err != nil {
		return unwind.Result{}, err
	}
	engine := a.newEngine(pair.Coin)
	a.setEngine(engine)
	defer a.setEngine(nil)

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.startBackground(bgCtx, pair)

	var res unwind.Result
	switch kind {
	case strategy.KindClose:
		res = engine.Close(ctx, req)
	default:
		res = engine.Reduce(ctx, req)
	}
	return res, nil
}

func (a *App) newEngine(coin string) *unwind.Engine {
	var spreadStats strategy.SpreadStats = a.rolling
	if a.timescale != nil {
		spreadStats = a.timescale.Stats(coin)
	}
	var recorder ledger.Recorder = a.store
	if a.ledger != nil {
		recorder = ledger.Multi{a.store, a.ledger}
	}
	quotes := market.NewQuotes(a.rest, a.stream, a.cfg.Unwind.MaxQuoteAge, a.log)
	dispatcher := exec.NewDispatcher(a.executor, a.cfg.Unwind.PollInterval, a.cfg.Unwind.ReconcileTimeout, a.log)
	return unwind.New(a.cfg.Unwind, a.cfg.Account.ID, unwind.Deps{
		Instruments: a.instruments,
		Quotes:      quotes,
		Account:     a.account,
		Dispatcher:  dispatcher,
		Orders:      a.executor,
		Store:       a.store,
		Ledger:      recorder,
		Stats:       spreadStats,
		Spreads:     &spreadSink{rolling: a.rolling, writer: a.timescale},
		Metrics:     a.metrics,
		Notifier:    a.notifier,
	}, a.log)
}

func (a *App) startBackground(ctx context.Context, pair market.InstrumentPair) {
	if a.stream != nil {
		if err := a.stream.Start(ctx, pair.SpotSymbol, pair.SwapSymbol); err != nil {
			a.log.Warn("ticker stream unavailable, using rest quotes", zap.Error(err))
		}
	}
	a.timescale.Start(ctx)
	if a.prom != nil {
		server := metrics.NewServer(a.cfg.Metrics.Address, a.cfg.Metrics.Path, a.prom.Handler(), a.statusSnapshot, a.log)
		go func() {
			if err := server.Serve(ctx); err != nil {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}
	a.startOperator(ctx)
}

func (a *App) setEngine(engine *unwind.Engine) {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	a.engine = engine
}

func (a *App) currentEngine() *unwind.Engine {
	a.engineMu.RLock()
	defer a.engineMu.RUnlock()
	return a.engine
}

// Stop forwards a cooperative stop to the running operation.
func (a *App) Stop() bool {
	engine := a.currentEngine()
	if engine == nil || !engine.Running() {
		return false
	}
	engine.Stop()
	return true
}

func (a *App) statusSnapshot() any {
	engine := a.currentEngine()
	if engine == nil {
		return map[string]string{"status": "idle"}
	}
	return engine.Status()
}

// InFlight lists persisted progress records, oldest first.
func (a *App) InFlight(ctx context.Context) ([]state.ProgressRecord, error) {
	return state.ListProgress(ctx, a.store)
}

// Ledger returns the sqlite copy of recorded entries for one instrument.
func (a *App) Ledger(ctx context.Context, instrument string) ([]ledger.Entry, error) {
	return a.store.LedgerEntries(ctx, a.cfg.Account.ID, instrument)
}

func (a *App) Close() error {
	var g errgroup.Group
	g.Go(func() error {
		if a.ws == nil {
			return nil
		}
		return a.ws.Close()
	})
	g.Go(a.timescale.Close)
	g.Go(a.ledger.Close)
	err := g.Wait()
	a.instruments.Close()
	return errors.Join(err, a.store.Close())
}
