package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"okx-carry-unwind/internal/okx/rest"
	"okx-carry-unwind/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	spotID = "BTC-USDT"
	swapID = "BTC-USDT-SWAP"
)

// fakeVenue hands out ids "<inst>#<n>" and replays scripted statuses per id;
// the last status repeats.
type fakeVenue struct {
	mu        sync.Mutex
	placed    []Order
	counts    map[string]int
	placeErr  map[string]error
	reject    map[string]bool
	statuses  map[string][]rest.OrderInfo
	statusErr error
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		counts:   make(map[string]int),
		placeErr: make(map[string]error),
		reject:   make(map[string]bool),
		statuses: make(map[string][]rest.OrderInfo),
	}
}

func (f *fakeVenue) PlaceOrder(_ context.Context, order Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, order)
	f.counts[order.InstID]++
	if err := f.placeErr[order.InstID]; err != nil {
		return "", err
	}
	if f.reject[order.InstID] {
		return RejectedOrderID, nil
	}
	return fmt.Sprintf("%s#%d", order.InstID, f.counts[order.InstID]), nil
}

func (f *fakeVenue) OrderInfo(_ context.Context, instID, orderID string) (rest.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return rest.OrderInfo{}, f.statusErr
	}
	script := f.statuses[orderID]
	if len(script) == 0 {
		return rest.OrderInfo{InstID: instID, OrdID: orderID, State: rest.StateLive}, nil
	}
	info := script[0]
	if len(script) > 1 {
		f.statuses[orderID] = script[1:]
	}
	info.InstID = instID
	info.OrdID = orderID
	return info, nil
}

func (f *fakeVenue) placedFor(instID string) []Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Order
	for _, o := range f.placed {
		if o.InstID == instID {
			out = append(out, o)
		}
	}
	return out
}

func filled(size, px, fee float64) rest.OrderInfo {
	return rest.OrderInfo{State: rest.StateFilled, AccFillSz: size, AvgPx: px, Fee: fee}
}

func canceled() rest.OrderInfo {
	return rest.OrderInfo{State: rest.StateCanceled}
}

func testDispatcher(venue *fakeVenue) *Dispatcher {
	d := NewDispatcher(venue, time.Millisecond, time.Minute, zap.NewNop())
	d.sleep = func(context.Context, time.Duration) {}
	return d
}

func btcRound() Round {
	return Round{
		SpotInstID:    spotID,
		SwapInstID:    swapID,
		Clip:          strategy.Clip{OrderSize: decimal.NewFromInt(1), SpotSize: decimal.NewFromInt(1), Contracts: 100},
		SpotPrice:     50000,
		SwapPrice:     50010,
		ContractValue: 0.01,
	}
}

func TestDispatchBothFilled(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{filled(1, 50000, -5)}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{filled(100, 50010, -5)}

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if res.Outcome != RoundComplete || res.Err != nil {
		t.Fatalf("expected complete, got %s (%v)", res.Outcome, res.Err)
	}
	if res.SpotFilled != 1 || res.SwapFilled != 1 || res.HedgeDelta != 0 {
		t.Fatalf("unexpected fills: %+v", res)
	}
	spot := venue.placedFor(spotID)
	swap := venue.placedFor(swapID)
	if len(spot) != 1 || spot[0].Type != rest.OrdFOK || spot[0].Side != "sell" || spot[0].Size != "1" || spot[0].Price != "50000" {
		t.Fatalf("unexpected spot order: %+v", spot)
	}
	if len(swap) != 1 || swap[0].Type != rest.OrdFOK || swap[0].Side != "buy" || !swap[0].ReduceOnly || swap[0].Size != "100" {
		t.Fatalf("unexpected swap order: %+v", swap)
	}
}

func TestDispatchRemediatesCanceledSwapWithCommittedContracts(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{filled(1, 50000, -5)}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{canceled()}
	venue.statuses[swapID+"#2"] = []rest.OrderInfo{{State: rest.StateLive}, filled(100, 50020, -6)}

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if res.Outcome != RoundComplete {
		t.Fatalf("expected complete after remediation, got %s (%v)", res.Outcome, res.Err)
	}
	swap := venue.placedFor(swapID)
	if len(swap) != 2 {
		t.Fatalf("expected one remediation order, got %d swap orders", len(swap))
	}
	remedy := swap[1]
	if remedy.Type != rest.OrdMarket || remedy.Size != "100" || !remedy.ReduceOnly || remedy.Side != "buy" {
		t.Fatalf("unexpected remediation order: %+v", remedy)
	}
	if !res.Swap.Remediated || res.Swap.AvgPrice != 50020 {
		t.Fatalf("expected remediated swap leg, got %+v", res.Swap)
	}
}

func TestDispatchRemediatesCanceledSpot(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{canceled()}
	venue.statuses[spotID+"#2"] = []rest.OrderInfo{filled(1, 49990, -5)}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{filled(100, 50010, -5)}

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if res.Outcome != RoundComplete {
		t.Fatalf("expected complete, got %s (%v)", res.Outcome, res.Err)
	}
	spot := venue.placedFor(spotID)
	if len(spot) != 2 || spot[1].Type != rest.OrdMarket || spot[1].Size != "1" || spot[1].Side != "sell" {
		t.Fatalf("unexpected spot orders: %+v", spot)
	}
}

func TestDispatchRemediationRejectedAborts(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{filled(1, 50000, -5)}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{canceled()}
	d := testDispatcher(venue)
	d.orders = &rejectAfter{fakeVenue: venue, inst: swapID, after: 1}

	res := d.Dispatch(context.Background(), btcRound())
	if !errors.Is(res.Err, ErrLegCancellationMismatch) || res.Outcome != RoundAborted {
		t.Fatalf("expected ErrLegCancellationMismatch, got %s (%v)", res.Outcome, res.Err)
	}
}

// rejectAfter passes the first orders for inst through and rejects the rest.
type rejectAfter struct {
	*fakeVenue
	inst  string
	after int
}

func (r *rejectAfter) PlaceOrder(ctx context.Context, order Order) (string, error) {
	r.fakeVenue.mu.Lock()
	seen := r.fakeVenue.counts[order.InstID]
	r.fakeVenue.mu.Unlock()
	if order.InstID == r.inst && seen >= r.after {
		r.fakeVenue.mu.Lock()
		r.fakeVenue.placed = append(r.fakeVenue.placed, order)
		r.fakeVenue.counts[order.InstID]++
		r.fakeVenue.mu.Unlock()
		return RejectedOrderID, nil
	}
	return r.fakeVenue.PlaceOrder(ctx, order)
}

func TestDispatchBothCanceledIsEmptyRound(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{canceled()}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{canceled()}

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if res.Outcome != RoundEmpty || res.Err != nil {
		t.Fatalf("expected empty round, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Filled() {
		t.Fatalf("empty round must not report fills")
	}
}

func TestDispatchRejectedLegAborts(t *testing.T) {
	venue := newFakeVenue()
	venue.reject[spotID] = true
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{canceled()}

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if !errors.Is(res.Err, ErrOrderRejected) || res.Outcome != RoundAborted {
		t.Fatalf("expected ErrOrderRejected, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Swap.State != LegCanceled {
		t.Fatalf("expected orphan swap leg status to be recorded, got %s", res.Swap.State)
	}
}

func TestDispatchSystemErrorOnSubmission(t *testing.T) {
	venue := newFakeVenue()
	venue.placeErr[swapID] = &rest.APIError{Code: "50001", Msg: "System error"}
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{filled(1, 50000, -5)}

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if !errors.Is(res.Err, ErrSubmissionFailed) || res.Outcome != RoundAborted {
		t.Fatalf("expected ErrSubmissionFailed, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Spot.State != LegFilled {
		t.Fatalf("expected spot leg outcome to be fetched, got %s", res.Spot.State)
	}
	if len(venue.placed) != 2 {
		t.Fatalf("expected both legs submitted exactly once, got %d", len(venue.placed))
	}
}

func TestDispatchHedgeImbalance(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{filled(1, 50000, -5)}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{filled(90, 50010, -5)}

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if !errors.Is(res.Err, ErrHedgeImbalance) || res.Outcome != RoundAborted {
		t.Fatalf("expected ErrHedgeImbalance, got %s (%v)", res.Outcome, res.Err)
	}
	if !res.Filled() || math.Abs(res.SwapFilled-0.9) > 1e-9 {
		t.Fatalf("expected fills to be reported for accounting, got %+v", res)
	}
}

func TestDispatchStatusUnavailable(t *testing.T) {
	venue := newFakeVenue()
	venue.statusErr = errors.New("timeout")

	res := testDispatcher(venue).Dispatch(context.Background(), btcRound())
	if !errors.Is(res.Err, ErrOrderStatusUnavailable) {
		t.Fatalf("expected ErrOrderStatusUnavailable, got %v", res.Err)
	}
}

func TestDispatchReconciliationTimeout(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{filled(1, 50000, -5)}
	d := testDispatcher(venue)
	d.timeout = time.Second
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.sleep = func(context.Context, time.Duration) { now = now.Add(300 * time.Millisecond) }

	res := d.Dispatch(context.Background(), btcRound())
	if !errors.Is(res.Err, ErrReconciliationTimeout) || res.Outcome != RoundAborted {
		t.Fatalf("expected ErrReconciliationTimeout, got %s (%v)", res.Outcome, res.Err)
	}
}

func TestDispatchIgnoresCallerCancellationMidRound(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{{State: rest.StateLive}, filled(1, 50000, -5)}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{filled(100, 50010, -5)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := testDispatcher(venue).Dispatch(ctx, btcRound())
	if res.Outcome != RoundComplete {
		t.Fatalf("expected round to finish despite canceled context, got %s (%v)", res.Outcome, res.Err)
	}
}

func TestDispatchForgetsSettledClientOrderIDs(t *testing.T) {
	store := newMemoryStore()
	executor := New(&mockRest{ack: rest.OrderAck{OrdID: "oid-1", SCode: "0"}}, store, zap.NewNop())
	d := NewDispatcher(executor, time.Millisecond, time.Minute, zap.NewNop())
	d.sleep = func(context.Context, time.Duration) {}

	res := d.Dispatch(context.Background(), btcRound())
	if res.Outcome != RoundComplete {
		t.Fatalf("expected complete round, got %s (%v)", res.Outcome, res.Err)
	}
	if remaining := store.count(); remaining != 0 {
		t.Fatalf("expected client order ids forgotten, %d left", remaining)
	}
}

// venueRest exposes a fakeVenue through the exchange client interface so an
// Executor can sit in front of it.
type venueRest struct {
	venue *fakeVenue
}

func (v venueRest) PlaceOrder(ctx context.Context, req rest.OrderRequest) (rest.OrderAck, error) {
	id, err := v.venue.PlaceOrder(ctx, Order{
		InstID:        req.InstID,
		TdMode:        req.TdMode,
		Side:          req.Side,
		Type:          req.OrdType,
		Size:          req.Size,
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClOrdID,
	})
	if err != nil {
		return rest.OrderAck{}, err
	}
	if id == RejectedOrderID {
		return rest.OrderAck{OrdID: id, SCode: "51008"}, nil
	}
	return rest.OrderAck{OrdID: id, SCode: "0"}, nil
}

func (v venueRest) OrderInfo(ctx context.Context, instID, ordID string) (rest.OrderInfo, error) {
	return v.venue.OrderInfo(ctx, instID, ordID)
}

func (v venueRest) OrderInfoByClientID(_ context.Context, _, clOrdID string) (rest.OrderInfo, error) {
	return rest.OrderInfo{}, fmt.Errorf("order %s: %w", clOrdID, rest.ErrOrderNotFound)
}

func TestDispatchForgetsClientOrderIDsReplacedByRemediation(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses[spotID+"#1"] = []rest.OrderInfo{filled(1, 50000, -5)}
	venue.statuses[swapID+"#1"] = []rest.OrderInfo{canceled()}
	venue.statuses[swapID+"#2"] = []rest.OrderInfo{filled(100, 50020, -6)}
	store := newMemoryStore()
	d := NewDispatcher(New(venueRest{venue: venue}, store, zap.NewNop()), time.Millisecond, time.Minute, zap.NewNop())
	d.sleep = func(context.Context, time.Duration) {}

	res := d.Dispatch(context.Background(), btcRound())
	if res.Outcome != RoundComplete || !res.Swap.Remediated {
		t.Fatalf("expected remediated complete round, got %s (%v)", res.Outcome, res.Err)
	}
	swap := venue.placedFor(swapID)
	if len(swap) != 2 {
		t.Fatalf("expected FOK and remediation swap orders, got %d", len(swap))
	}
	replaced := res.Swap.ReplacedClientOrderIDs
	if len(replaced) != 1 || replaced[0] != swap[0].ClientOrderID || res.Swap.ClientOrderID != swap[1].ClientOrderID {
		t.Fatalf("unexpected client order ids: replaced %v current %s placed %+v", replaced, res.Swap.ClientOrderID, swap)
	}
	if remaining := store.count(); remaining != 0 {
		t.Fatalf("expected every client order id forgotten, %d left", remaining)
	}
}
