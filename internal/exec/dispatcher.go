package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"okx-carry-unwind/internal/okx/rest"
	"okx-carry-unwind/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSubmissionFailed        = errors.New("order submission failed")
	ErrOrderRejected           = errors.New("order rejected")
	ErrLegCancellationMismatch = errors.New("leg cancellation mismatch")
	ErrHedgeImbalance          = errors.New("hedge imbalance")
	ErrReconciliationTimeout   = errors.New("reconciliation timeout")
	ErrOrderStatusUnavailable  = errors.New("order status unavailable")
)

type LegState string

const (
	LegNew      LegState = "new"
	LegFilled   LegState = "filled"
	LegCanceled LegState = "canceled"
	LegFailed   LegState = "failed"
)

func legState(s rest.OrderState) LegState {
	switch s {
	case rest.StateFilled:
		return LegFilled
	case rest.StateCanceled, rest.StateMMPCanceled:
		return LegCanceled
	case rest.StateLive, rest.StatePartiallyFilled:
		return LegNew
	default:
		return LegFailed
	}
}

// Leg is one side of a paired round. FilledSize is in the instrument's own
// unit: base for spot, contracts for swap.
type Leg struct {
	InstID        string
	Side          string
	RequestedSize string
	ClientOrderID string
	OrderID       string
	State         LegState
	FilledSize    float64
	AvgPrice      float64
	Fee           float64
	Remediated    bool

	// ReplacedClientOrderIDs holds ids of orders a remediation superseded.
	ReplacedClientOrderIDs []string
}

func (l *Leg) apply(info rest.OrderInfo) {
	l.State = legState(info.State)
	l.FilledSize = info.AccFillSz
	l.AvgPrice = info.AvgPx
	l.Fee = info.Fee
}

func (l Leg) clientOrderIDs() []string {
	return append(append([]string(nil), l.ReplacedClientOrderIDs...), l.ClientOrderID)
}

func (l Leg) settled() bool {
	return l.State == LegCanceled || l.State == LegFailed
}

type Outcome string

const (
	RoundComplete Outcome = "complete"
	RoundEmpty    Outcome = "empty"
	RoundAborted  Outcome = "aborted"
)

// Round is one paired spot sell and swap buy.
type Round struct {
	SpotInstID    string
	SwapInstID    string
	Clip          strategy.Clip
	SpotPrice     float64
	SwapPrice     float64
	ContractValue float64
}

type RoundResult struct {
	Spot       Leg
	Swap       Leg
	SpotFilled float64
	SwapFilled float64
	HedgeDelta float64
	Outcome    Outcome
	Err        error
}

// Filled reports whether the result carries fills to account for.
func (r RoundResult) Filled() bool {
	return r.Spot.State == LegFilled && r.Swap.State == LegFilled
}

type Placer interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	OrderInfo(ctx context.Context, instID, orderID string) (rest.OrderInfo, error)
}

type Dispatcher struct {
	orders       Placer
	pollInterval time.Duration
	timeout      time.Duration
	tdMode       string
	log          *zap.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration)
}

func NewDispatcher(orders Placer, pollInterval, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		orders:       orders,
		pollInterval: pollInterval,
		timeout:      timeout,
		tdMode:       "isolated",
		log:          log,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// forgetter is implemented by placers that remember client order ids.
type forgetter interface {
	Forget(ctx context.Context, clientOrderIDs ...string)
}

// Dispatch runs one round to a terminal outcome. Calls made here are not
// cut short by ctx cancellation; stopping happens between rounds.
func (d *Dispatcher) Dispatch(ctx context.Context, round Round) RoundResult {
	ctx = context.WithoutCancel(ctx)
	res := d.dispatch(ctx, round)
	if f, ok := d.orders.(forgetter); ok {
		f.Forget(ctx, append(res.Spot.clientOrderIDs(), res.Swap.clientOrderIDs()...)...)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, round Round) RoundResult {
	res := RoundResult{
		Spot: Leg{
			InstID:        round.SpotInstID,
			Side:          "sell",
			RequestedSize: round.Clip.SpotSize.String(),
			ClientOrderID: NewClientOrderID(),
			State:         LegNew,
		},
		Swap: Leg{
			InstID:        round.SwapInstID,
			Side:          "buy",
			RequestedSize: fmt.Sprintf("%d", round.Clip.Contracts),
			ClientOrderID: NewClientOrderID(),
			State:         LegNew,
		},
	}

	if err := d.submit(ctx, round, &res); err != nil {
		d.logOrphans(ctx, &res)
		return d.abort(res, fmt.Errorf("%w: %v", ErrSubmissionFailed, err))
	}

	if res.Spot.OrderID == RejectedOrderID || res.Swap.OrderID == RejectedOrderID {
		failed := "spot"
		if res.Spot.OrderID != RejectedOrderID {
			failed = "swap"
		}
		d.log.Warn("paired order rejected", zap.String("leg", failed))
		d.logOrphans(ctx, &res)
		return d.abort(res, fmt.Errorf("%s leg: %w", failed, ErrOrderRejected))
	}
	return d.reconcile(ctx, round, res)
}

func (d *Dispatcher) submit(ctx context.Context, round Round, res *RoundResult) error {
	var g errgroup.Group
	g.Go(func() error {
		id, err := d.orders.PlaceOrder(ctx, Order{
			InstID:        round.SpotInstID,
			TdMode:        "cash",
			Side:          res.Spot.Side,
			Type:          rest.OrdFOK,
			Size:          res.Spot.RequestedSize,
			Price:         rest.FormatSize(round.SpotPrice),
			ClientOrderID: res.Spot.ClientOrderID,
		})
		res.Spot.OrderID = id
		return err
	})
	g.Go(func() error {
		id, err := d.orders.PlaceOrder(ctx, Order{
			InstID:        round.SwapInstID,
			TdMode:        d.tdMode,
			Side:          res.Swap.Side,
			Type:          rest.OrdFOK,
			Size:          res.Swap.RequestedSize,
			Price:         rest.FormatSize(round.SwapPrice),
			ReduceOnly:    true,
			ClientOrderID: res.Swap.ClientOrderID,
		})
		res.Swap.OrderID = id
		return err
	})
	err := g.Wait()
	if err != nil && rest.IsSystemError(err) {
		d.log.Error("exchange system error during submission", zap.Error(err))
	}
	return err
}

// logOrphans reports the state of any leg that did reach the exchange; a
// FOK leg may have executed even though the round is abandoned.
func (d *Dispatcher) logOrphans(ctx context.Context, res *RoundResult) {
	for _, leg := range []*Leg{&res.Spot, &res.Swap} {
		if leg.OrderID == "" || leg.OrderID == RejectedOrderID {
			continue
		}
		info, err := d.orders.OrderInfo(ctx, leg.InstID, leg.OrderID)
		if err != nil {
			d.log.Warn("orphan leg status unavailable", zap.String("inst_id", leg.InstID), zap.String("order_id", leg.OrderID), zap.Error(err))
			continue
		}
		leg.apply(info)
		d.log.Warn("orphan leg",
			zap.String("inst_id", leg.InstID),
			zap.String("order_id", leg.OrderID),
			zap.String("state", string(info.State)),
			zap.Float64("filled", info.AccFillSz),
			zap.Float64("avg_px", info.AvgPx),
		)
	}
}

func (d *Dispatcher) reconcile(ctx context.Context, round Round, res RoundResult) RoundResult {
	deadline := d.now().Add(d.timeout)
	for {
		if err := d.refresh(ctx, &res); err != nil {
			return d.abort(res, fmt.Errorf("%w: %v", ErrOrderStatusUnavailable, err))
		}
		spot, swap := res.Spot.State, res.Swap.State
		switch {
		case spot == LegFilled && swap == LegFilled:
			return d.complete(round, res)
		case spot == LegFilled && res.Swap.settled():
			if err := d.remediate(ctx, &res.Swap, Order{
				InstID:     round.SwapInstID,
				TdMode:     d.tdMode,
				Side:       "buy",
				Type:       rest.OrdMarket,
				Size:       res.Swap.RequestedSize,
				ReduceOnly: true,
			}); err != nil {
				return d.abort(res, err)
			}
		case swap == LegFilled && res.Spot.settled():
			if err := d.remediate(ctx, &res.Spot, Order{
				InstID: round.SpotInstID,
				TdMode: "cash",
				Side:   "sell",
				Type:   rest.OrdMarket,
				Size:   res.Spot.RequestedSize,
			}); err != nil {
				return d.abort(res, err)
			}
		case res.Spot.settled() && res.Swap.settled():
			res.Outcome = RoundEmpty
			d.log.Info("round produced no fill", zap.String("spot_state", string(spot)), zap.String("swap_state", string(swap)))
			return res
		default:
			d.log.Debug("awaiting fills", zap.String("spot_state", string(spot)), zap.String("swap_state", string(swap)))
		}
		if d.timeout > 0 && d.now().After(deadline) {
			return d.abort(res, fmt.Errorf("%w after %s", ErrReconciliationTimeout, d.timeout))
		}
		d.sleep(ctx, d.pollInterval)
	}
}

func (d *Dispatcher) refresh(ctx context.Context, res *RoundResult) error {
	var spotInfo, swapInfo rest.OrderInfo
	var g errgroup.Group
	g.Go(func() error {
		var err error
		spotInfo, err = d.orders.OrderInfo(ctx, res.Spot.InstID, res.Spot.OrderID)
		return err
	})
	g.Go(func() error {
		var err error
		swapInfo, err = d.orders.OrderInfo(ctx, res.Swap.InstID, res.Swap.OrderID)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	res.Spot.apply(spotInfo)
	res.Swap.apply(swapInfo)
	return nil
}

// remediate re-submits a canceled leg as a market order for the size the
// round already committed to.
func (d *Dispatcher) remediate(ctx context.Context, leg *Leg, order Order) error {
	if leg.Remediated {
		return fmt.Errorf("%s leg canceled after remediation: %w", leg.InstID, ErrLegCancellationMismatch)
	}
	d.log.Warn("leg canceled, re-hedging at market",
		zap.String("inst_id", leg.InstID),
		zap.String("side", order.Side),
		zap.String("size", order.Size),
	)
	order.ClientOrderID = NewClientOrderID()
	id, err := d.orders.PlaceOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("%s remediation: %w: %v", leg.InstID, ErrLegCancellationMismatch, err)
	}
	if id == RejectedOrderID {
		return fmt.Errorf("%s remediation rejected: %w", leg.InstID, ErrLegCancellationMismatch)
	}
	leg.ReplacedClientOrderIDs = append(leg.ReplacedClientOrderIDs, leg.ClientOrderID)
	leg.OrderID = id
	leg.ClientOrderID = order.ClientOrderID
	leg.State = LegNew
	leg.Remediated = true
	return nil
}

func (d *Dispatcher) complete(round Round, res RoundResult) RoundResult {
	res.SpotFilled = res.Spot.FilledSize
	res.SwapFilled = res.Swap.FilledSize * round.ContractValue
	res.HedgeDelta = math.Abs(res.SpotFilled - res.SwapFilled)
	if res.HedgeDelta >= round.ContractValue {
		d.log.Error("hedge imbalance",
			zap.Float64("spot_filled", res.SpotFilled),
			zap.Float64("swap_filled", res.SwapFilled),
			zap.Float64("contract_value", round.ContractValue),
		)
		res.Outcome = RoundAborted
		res.Err = fmt.Errorf("spot %v swap %v: %w", res.SpotFilled, res.SwapFilled, ErrHedgeImbalance)
		return res
	}
	res.Outcome = RoundComplete
	return res
}

func (d *Dispatcher) abort(res RoundResult, err error) RoundResult {
	res.Outcome = RoundAborted
	res.Err = err
	d.log.Warn("round aborted", zap.Error(err))
	return res
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
