package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"okx-carry-unwind/internal/alerts"
	"okx-carry-unwind/internal/config"
	"okx-carry-unwind/internal/ledger"
	"okx-carry-unwind/internal/state"
	"okx-carry-unwind/internal/unwind"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu      sync.Mutex
	data    map[string]string
	entries []ledger.Entry
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) AppendLedgerEntries(ctx context.Context, entries []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memoryStore) LedgerEntries(ctx context.Context, account, instrument string) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for _, e := range m.entries {
		if e.Account == account && e.Instrument == instrument {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type fakeOperator struct {
	mu      sync.Mutex
	batches [][]alerts.Update
	offsets []int64
	sent    []string
	err     error
	cancel  context.CancelFunc
}

func (f *fakeOperator) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]alerts.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeOperator) Send(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func textUpdate(id, chatID, userID int64, text string) alerts.Update {
	return alerts.Update{
		UpdateID: id,
		Message: &alerts.Message{
			From: &alerts.User{ID: userID, Username: "ops"},
			Chat: &alerts.Chat{ID: chatID},
			Text: text,
		},
	}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, ok := parseOperatorCommand("/Stop@unwind_bot now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "stop" {
		t.Fatalf("expected stop, got %s", cmd)
	}
	if _, ok := parseOperatorCommand("stop"); ok {
		t.Fatalf("plain text must not parse as a command")
	}
	if _, ok := parseOperatorCommand("   "); ok {
		t.Fatalf("blank text must not parse")
	}
}

func TestOperatorStopWhenIdleIsAudited(t *testing.T) {
	store := &memoryStore{}
	app := &App{store: store, log: zap.NewNop()}
	meta := operatorMeta{UpdateID: 7, UserID: 1, ChatID: 2, Raw: "/stop"}

	resp, err := app.handleOperatorCommand(context.Background(), "stop", meta)
	if err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if resp != "nothing running" {
		t.Fatalf("unexpected stop response: %s", resp)
	}
	keys := store.keys("ops:audit:")
	if len(keys) != 1 {
		t.Fatalf("expected one audit event, got %d", len(keys))
	}
	raw, _, _ := store.Get(context.Background(), keys[0])
	var event operatorAuditEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if event.Action != "stop" || event.UpdateID != 7 || event.StopAccepted || event.RunningBefore {
		t.Fatalf("unexpected audit event: %+v", event)
	}
}

func TestOperatorStatusIdleAndIdleEngine(t *testing.T) {
	app := &App{store: &memoryStore{}, log: zap.NewNop()}
	if got := app.operatorStatus(); got != "status: idle" {
		t.Fatalf("unexpected idle status: %s", got)
	}
	app.setEngine(unwind.New(config.UnwindConfig{}, "acct", unwind.Deps{}, zap.NewNop()))
	if !strings.Contains(app.operatorStatus(), "rounds: 0") {
		t.Fatalf("expected snapshot status, got %s", app.operatorStatus())
	}
	if app.Stop() {
		t.Fatalf("stop must be refused when the engine is not running")
	}
}

func TestOperatorProgressListsRecords(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	app := &App{store: store, log: zap.NewNop()}

	resp, err := app.handleOperatorCommand(ctx, "progress", operatorMeta{})
	if err != nil {
		t.Fatalf("progress error: %v", err)
	}
	if resp != "no operations in flight" {
		t.Fatalf("unexpected empty response: %s", resp)
	}

	records := []state.ProgressRecord{
		{Account: "acct", Instrument: "ETH", Kind: "close", Remaining: 2, StartedAtMS: 2000},
		{Account: "acct", Instrument: "BTC", Kind: "reduce", Remaining: 0.5, StartedAtMS: 1000},
	}
	for _, rec := range records {
		if err := state.SaveProgress(ctx, store, rec); err != nil {
			t.Fatalf("save progress: %v", err)
		}
	}
	resp, err = app.handleOperatorCommand(ctx, "progress", operatorMeta{})
	if err != nil {
		t.Fatalf("progress error: %v", err)
	}
	lines := strings.Split(resp, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", resp)
	}
	if !strings.HasPrefix(lines[0], "acct reduce BTC remaining=0.500000") {
		t.Fatalf("expected oldest record first, got %q", lines[0])
	}
}

func TestOperatorUnknownCommandReturnsHelp(t *testing.T) {
	app := &App{store: &memoryStore{}, log: zap.NewNop()}
	resp, err := app.handleOperatorCommand(context.Background(), "pause", operatorMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != operatorHelpText() {
		t.Fatalf("expected help text, got %s", resp)
	}
}

func TestOperatorLoopFiltersAndPersistsOffset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &memoryStore{}
	_ = store.Set(ctx, operatorOffsetKey, "10")
	client := &fakeOperator{
		cancel: cancel,
		batches: [][]alerts.Update{{
			textUpdate(10, 99, 1, "/status"),
			textUpdate(11, 42, 2, "/status"),
			textUpdate(12, 42, 1, "hello"),
			textUpdate(13, 42, 1, "/status"),
		}},
	}
	app := &App{store: store, operator: client, log: zap.NewNop()}

	app.operatorLoop(ctx, 42, map[int64]struct{}{1: {}}, time.Millisecond)

	if len(client.offsets) == 0 || client.offsets[0] != 10 {
		t.Fatalf("expected loop to resume from stored offset, got %v", client.offsets)
	}
	if len(client.sent) != 1 || client.sent[0] != "status: idle" {
		t.Fatalf("expected a single reply from the allowed user in the operator chat, got %v", client.sent)
	}
	raw, _, _ := store.Get(context.Background(), operatorOffsetKey)
	if raw != "14" {
		t.Fatalf("expected persisted offset 14, got %s", raw)
	}
}

func TestOperatorLoopWarnsOnceOnError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	client := &fakeOperator{err: errors.New("unreachable"), cancel: cancel}
	app := &App{store: &memoryStore{}, operator: client, log: zap.NewNop()}

	app.operatorLoop(ctx, 42, nil, time.Millisecond)

	if !app.operatorWarned {
		t.Fatalf("expected operator warning to be latched")
	}
	if len(client.offsets) < 2 {
		t.Fatalf("expected polling to retry after errors, got %d calls", len(client.offsets))
	}
}

func TestStartOperatorRequiresConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.OperatorEnabled = true
	cfg.Telegram.ChatID = "not-a-number"
	client := &fakeOperator{}
	app := &App{cfg: cfg, store: &memoryStore{}, operator: client, log: zap.NewNop()}
	app.startOperator(context.Background())
	time.Sleep(5 * time.Millisecond)
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.offsets) != 0 {
		t.Fatalf("operator must not poll with an invalid chat id")
	}
}
