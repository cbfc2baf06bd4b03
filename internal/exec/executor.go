package exec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"okx-carry-unwind/internal/okx/rest"
	"okx-carry-unwind/internal/state"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RejectedOrderID is returned for orders the exchange refused outright.
const RejectedOrderID = "-1"

type Order struct {
	InstID        string
	TdMode        string
	Side          string
	Type          rest.OrdType
	Size          string
	Price         string
	ReduceOnly    bool
	ClientOrderID string
}

type RestClient interface {
	PlaceOrder(ctx context.Context, req rest.OrderRequest) (rest.OrderAck, error)
	OrderInfo(ctx context.Context, instID, ordID string) (rest.OrderInfo, error)
	OrderInfoByClientID(ctx context.Context, instID, clOrdID string) (rest.OrderInfo, error)
}

const pendingPrefix = "cloid:"

// PendingOrder is written before an order is submitted and dropped once its
// round settles. OrderID stays empty until the exchange acknowledges it.
type PendingOrder struct {
	ClientOrderID string `json:"cl_ord_id"`
	InstID        string `json:"inst_id"`
	OrderID       string `json:"ord_id,omitempty"`
}

// RecoveredOrder is a pending order from an earlier run that reached a
// terminal state on the exchange.
type RecoveredOrder struct {
	PendingOrder
	Info rest.OrderInfo
}

// ErrPendingOrderLive is returned by Recover while an earlier order is still
// working on the exchange.
var ErrPendingOrderLive = errors.New("pending order still live")

// Executor places single orders. Every order with a client order id is
// recorded before submission so a replayed request never submits twice and
// a restarted process can settle what an earlier one left behind. Placement
// is never retried.
type Executor struct {
	rest  RestClient
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]PendingOrder
}

func New(rest RestClient, store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		rest:  rest,
		store: store,
		log:   log,
		cache: make(map[string]PendingOrder),
	}
}

// NewClientOrderID returns a 32 character alphanumeric id.
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PlaceOrder returns the exchange order id, or RejectedOrderID with a nil
// error when the exchange refused the order.
func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if order.ClientOrderID == "" {
		return e.place(ctx, order)
	}
	pending, ok, err := e.lookup(ctx, order.ClientOrderID)
	if err != nil {
		return "", err
	}
	if ok {
		if pending.OrderID != "" {
			return pending.OrderID, nil
		}
		// Recorded but never acknowledged: the exchange decides whether it
		// already has the order.
		info, err := e.rest.OrderInfoByClientID(ctx, pending.InstID, pending.ClientOrderID)
		switch {
		case err == nil:
			pending.OrderID = info.OrdID
			e.remember(ctx, pending)
			return info.OrdID, nil
		case !rest.IsOrderNotFound(err):
			return "", err
		}
	}
	pending = PendingOrder{ClientOrderID: order.ClientOrderID, InstID: order.InstID}
	if err := e.save(ctx, pending); err != nil {
		return "", fmt.Errorf("record pending order: %w", err)
	}
	orderID, err := e.place(ctx, order)
	if err != nil {
		// Outcome unknown; the pending record stays for Recover.
		return orderID, err
	}
	if orderID == RejectedOrderID {
		e.Forget(ctx, order.ClientOrderID)
		return orderID, nil
	}
	pending.OrderID = orderID
	e.remember(ctx, pending)
	return orderID, nil
}

func (e *Executor) OrderInfo(ctx context.Context, instID, orderID string) (rest.OrderInfo, error) {
	return e.rest.OrderInfo(ctx, instID, orderID)
}

// Forget drops the pending records once a round is settled.
func (e *Executor) Forget(ctx context.Context, clientOrderIDs ...string) {
	for _, id := range clientOrderIDs {
		if id == "" {
			continue
		}
		key := pendingPrefix + id
		e.mu.Lock()
		delete(e.cache, key)
		e.mu.Unlock()
		if e.store != nil {
			if err := e.store.Delete(ctx, key); err != nil {
				e.log.Warn("failed to delete pending order", zap.String("cl_ord_id", id), zap.Error(err))
			}
		}
	}
}

// Recover settles pending orders left by an earlier process for the given
// instruments. Orders the exchange never saw are dropped silently; terminal
// orders are dropped and returned so their fills can be accounted. A live
// order fails with ErrPendingOrderLive and keeps its record.
func (e *Executor) Recover(ctx context.Context, instIDs ...string) ([]RecoveredOrder, error) {
	lister, ok := e.store.(state.Lister)
	if !ok {
		return nil, nil
	}
	rows, err := lister.List(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	wanted := make(map[string]struct{}, len(instIDs))
	for _, id := range instIDs {
		wanted[id] = struct{}{}
	}
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var recovered []RecoveredOrder
	for _, key := range keys {
		var pending PendingOrder
		if err := json.Unmarshal([]byte(rows[key]), &pending); err != nil {
			return recovered, fmt.Errorf("decode %s: %w", key, err)
		}
		if _, ok := wanted[pending.InstID]; len(wanted) > 0 && !ok {
			continue
		}
		var info rest.OrderInfo
		if pending.OrderID != "" {
			info, err = e.rest.OrderInfo(ctx, pending.InstID, pending.OrderID)
		} else {
			info, err = e.rest.OrderInfoByClientID(ctx, pending.InstID, pending.ClientOrderID)
		}
		if rest.IsOrderNotFound(err) {
			e.log.Info("pending order never reached the exchange", zap.String("inst_id", pending.InstID), zap.String("cl_ord_id", pending.ClientOrderID))
			e.Forget(ctx, pending.ClientOrderID)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recover %s %s: %w", pending.InstID, pending.ClientOrderID, err)
		}
		if info.State == rest.StateLive || info.State == rest.StatePartiallyFilled {
			return recovered, fmt.Errorf("%w: %s %s", ErrPendingOrderLive, pending.InstID, info.OrdID)
		}
		pending.OrderID = info.OrdID
		e.log.Warn("recovered order from earlier run",
			zap.String("inst_id", pending.InstID),
			zap.String("order_id", info.OrdID),
			zap.String("state", string(info.State)),
			zap.Float64("filled", info.AccFillSz),
			zap.Float64("avg_px", info.AvgPx),
		)
		e.Forget(ctx, pending.ClientOrderID)
		recovered = append(recovered, RecoveredOrder{PendingOrder: pending, Info: info})
	}
	return recovered, nil
}

func (e *Executor) lookup(ctx context.Context, clientOrderID string) (PendingOrder, bool, error) {
	key := pendingPrefix + clientOrderID
	e.mu.Lock()
	pending, ok := e.cache[key]
	e.mu.Unlock()
	if ok || e.store == nil {
		return pending, ok, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return PendingOrder{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return PendingOrder{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	e.mu.Lock()
	e.cache[key] = pending
	e.mu.Unlock()
	return pending, true, nil
}

func (e *Executor) save(ctx context.Context, pending PendingOrder) error {
	e.mu.Lock()
	e.cache[pendingPrefix+pending.ClientOrderID] = pending
	e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	payload, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, pendingPrefix+pending.ClientOrderID, string(payload))
}

// remember records an acknowledged order id. Write failures are logged only.
func (e *Executor) remember(ctx context.Context, pending PendingOrder) {
	if err := e.save(ctx, pending); err != nil {
		e.log.Warn("failed to persist order id", zap.String("cl_ord_id", pending.ClientOrderID), zap.Error(err))
	}
}

func (e *Executor) place(ctx context.Context, order Order) (string, error) {
	ack, err := e.rest.PlaceOrder(ctx, rest.OrderRequest{
		InstID:     order.InstID,
		TdMode:     order.TdMode,
		Side:       order.Side,
		OrdType:    order.Type,
		Size:       order.Size,
		Price:      order.Price,
		ReduceOnly: order.ReduceOnly,
		ClOrdID:    order.ClientOrderID,
	})
	if err != nil {
		return "", err
	}
	if !ack.Accepted() {
		e.log.Warn("order rejected",
			zap.String("inst_id", order.InstID),
			zap.String("side", order.Side),
			zap.String("size", order.Size),
			zap.String("s_code", ack.SCode),
			zap.String("s_msg", ack.SMsg),
		)
		return RejectedOrderID, nil
	}
	return ack.OrdID, nil
}
