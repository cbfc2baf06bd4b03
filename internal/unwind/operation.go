package unwind

import (
	"context"
	"errors"
	"fmt"
	"math"

	"okx-carry-unwind/internal/account"
	"okx-carry-unwind/internal/exec"
	"okx-carry-unwind/internal/ledger"
	"okx-carry-unwind/internal/market"
	"okx-carry-unwind/internal/state"
	"okx-carry-unwind/internal/strategy"

	"go.uber.org/zap"
)

// operation owns the mutable state of one reduce or close. Rounds run
// strictly one after another.
type operation struct {
	engine *Engine
	kind   strategy.Kind
	req    Request
	sm     *strategy.StateMachine
	log    *zap.Logger

	pair   market.InstrumentPair
	lots   strategy.Lots
	gate   *strategy.SpreadGate
	acc    *strategy.Accelerator
	target float64
	totals RunningTotals
	rounds int

	prevMargin    float64
	startedAtMS   int64
	recordCreated bool
	skipReinvest  bool
}

func (o *operation) execute(ctx context.Context) Result {
	if err := o.init(ctx); err != nil {
		if errors.Is(err, ErrPositionTooSmall) {
			o.log.Info("position too small to unwind", zap.Float64("target", o.target), zap.Float64("contract_value", o.lots.ContractValue))
			return o.result(err)
		}
		o.sm.Apply(strategy.EventAbort)
		return o.result(err)
	}
	err := o.loop(ctx)
	return o.finish(ctx, err)
}

func (o *operation) init(ctx context.Context) error {
	e := o.engine
	pair, err := e.deps.Instruments.Pair(ctx, o.req.Coin)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	o.pair = pair
	o.lots = strategy.Lots{
		MinSpotSize:      pair.MinSpotSize,
		SpotLotIncrement: pair.SpotLotIncrement,
		ContractValue:    pair.SwapContractValue,
	}
	ctVal := pair.SwapContractValue

	recoveredBase, err := o.recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pending orders: %w", err)
	}

	bal, err := e.balances(ctx, pair)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	swapBase := bal.contracts * ctVal
	o.prevMargin = bal.margin

	switch {
	case o.kind == strategy.KindClose:
		o.target = math.Min(bal.spot, swapBase)
	case o.req.Resume:
		record, ok, err := state.LoadProgress(ctx, e.deps.Store, o.recordKey())
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNothingToResume, o.recordKey())
		}
		o.target = math.Max(record.Remaining-recoveredBase, 0)
		o.target = math.Min(o.target, math.Min(bal.spot, swapBase))
		o.log.Info("resuming unwind",
			zap.Float64("recorded", record.Remaining),
			zap.Float64("recovered", recoveredBase),
			zap.Float64("target", o.target),
		)
		if o.target < ctVal {
			if err := state.DeleteProgress(ctx, e.deps.Store, o.recordKey()); err != nil {
				o.log.Warn("progress delete failed", zap.Error(err))
			}
		}
	case o.req.USDT > 0:
		target, err := o.usdtTarget(ctx)
		if err != nil {
			return err
		}
		o.target = target
	default:
		o.target = o.req.Size
	}
	if o.target < ctVal {
		o.sm.Apply(strategy.EventPositionTooSmall)
		return ErrPositionTooSmall
	}
	if o.kind == strategy.KindReduce && (o.target > bal.spot || o.target > swapBase) {
		o.log.Info("reduce exceeds position, closing instead",
			zap.Float64("target", o.target),
			zap.Float64("spot_balance", bal.spot),
			zap.Float64("swap_base", swapBase),
		)
		o.kind = strategy.KindClose
		o.target = math.Min(bal.spot, swapBase)
		if o.target < ctVal {
			o.sm.Apply(strategy.EventPositionTooSmall)
			return ErrPositionTooSmall
		}
	}

	threshold := o.req.Threshold
	if threshold == 0 {
		threshold = e.cfg.SpreadThreshold
	}
	accelerateAfter := o.req.AccelerateAfter
	if accelerateAfter <= 0 {
		accelerateAfter = e.cfg.AccelerateAfter
	}
	now := e.now()
	o.gate = strategy.NewSpreadGate(threshold, e.cfg.Confirmations)
	o.acc = strategy.NewAccelerator(accelerateAfter, e.cfg.StatsWindow, e.deps.Stats, now)
	o.startedAtMS = now.UnixMilli()
	e.deps.Metrics.Threshold.Set(threshold)

	if err := o.persist(ctx, o.target); err != nil {
		return fmt.Errorf("create progress record: %w", err)
	}
	o.recordCreated = true
	o.sm.Apply(strategy.EventStart)
	e.update(func(s *Snapshot) {
		s.Kind = o.kind
		s.Status = o.sm.Current()
		s.Remaining = o.target
		s.Threshold = threshold
	})
	o.log.Info("unwind started",
		zap.String("op", string(o.kind)),
		zap.Float64("target", o.target),
		zap.Float64("threshold", threshold),
		zap.Duration("accelerate_after", accelerateAfter),
	)
	return nil
}

// recover settles orders a previous process left pending for this pair and
// returns the base amount their swap fills already unwound.
func (o *operation) recover(ctx context.Context) (float64, error) {
	e := o.engine
	if e.deps.Orders == nil {
		return 0, nil
	}
	orders, err := e.deps.Orders.Recover(ctx, o.pair.SpotSymbol, o.pair.SwapSymbol)
	if err != nil {
		return 0, err
	}
	var base float64
	for _, order := range orders {
		if order.InstID == o.pair.SwapSymbol {
			base += order.Info.AccFillSz * o.pair.SwapContractValue
		}
		if order.Info.AccFillSz > 0 && e.deps.Notifier != nil {
			e.deps.Notifier.Emit(ctx, fmt.Sprintf("%s: order %s from an earlier run %s, filled %v at %v",
				order.InstID, order.OrderID, order.Info.State, order.Info.AccFillSz, order.Info.AvgPx))
		}
	}
	if len(orders) > 0 {
		o.log.Warn("settled orders from an earlier run", zap.Int("orders", len(orders)), zap.Float64("swap_base", base))
	}
	return base, nil
}

// usdtTarget converts a USDT amount into the base size whose spot sale and
// freed swap margin together release it.
func (o *operation) usdtTarget(ctx context.Context) (float64, error) {
	e := o.engine
	lever, err := e.deps.Account.Leverage(ctx, o.pair.SwapSymbol)
	if err != nil {
		return 0, err
	}
	spot, _, err := e.deps.Quotes.FetchPairQuotes(ctx, o.pair.SpotSymbol, o.pair.SwapSymbol)
	if err != nil {
		return 0, err
	}
	last := spot.Last
	if last <= 0 {
		last = spot.BestBid
	}
	if last <= 0 {
		return 0, fmt.Errorf("%w: no last price for %s", market.ErrMarketDataUnavailable, o.pair.SpotSymbol)
	}
	return o.req.USDT * lever / (lever + 1) / last, nil
}

func (o *operation) loop(ctx context.Context) error {
	e := o.engine
	ctVal := o.lots.ContractValue
	for {
		if o.target < ctVal {
			o.sm.Apply(strategy.EventTargetReached)
			return nil
		}
		if o.stopped(ctx) {
			o.log.Info("unwind stopped", zap.Float64("remaining", o.target))
			o.sm.Apply(strategy.EventStopped)
			return nil
		}
		o.accelerate(ctx)

		spotQ, swapQ, err := e.deps.Quotes.FetchPairQuotes(ctx, o.pair.SpotSymbol, o.pair.SwapSymbol)
		if err != nil {
			o.log.Warn("quote fetch failed", zap.Error(err))
			o.resetGate()
			e.sleep(ctx, e.cfg.QuoteBackoff)
			continue
		}
		if err := strategy.CheckPair(spotQ, swapQ, e.cfg.MaxQuoteAge, e.now()); err != nil {
			o.log.Debug("quote rejected", zap.Error(err))
			o.resetGate()
			e.sleep(ctx, e.cfg.QuoteBackoff)
			continue
		}
		if signal := o.observe(spotQ, swapQ); signal != strategy.SignalReady {
			e.sleep(ctx, e.cfg.PollInterval)
			continue
		}

		bal, err := e.balances(ctx, o.pair)
		if err != nil {
			o.log.Warn("balance fetch failed", zap.Error(err))
			e.sleep(ctx, e.cfg.QuoteBackoff)
			continue
		}
		swapBase := bal.contracts * ctVal
		if bal.spot < o.target || swapBase < o.target {
			o.sm.Apply(strategy.EventBalanceShort)
			return fmt.Errorf("%w: target %v, spot %v, swap %v", ErrInsufficientBalance, o.target, bal.spot, swapBase)
		}

		clip, outcome := o.size(spotQ, swapQ, bal)
		if outcome != strategy.SizeOK {
			o.log.Debug("clip not sized",
				zap.Int("outcome", int(outcome)),
				zap.Float64("bid_size", spotQ.BestBidSize),
				zap.Float64("ask_size", swapQ.BestAskSize),
			)
			e.sleep(ctx, e.cfg.PollInterval)
			continue
		}

		result := e.deps.Dispatcher.Dispatch(ctx, exec.Round{
			SpotInstID:    o.pair.SpotSymbol,
			SwapInstID:    o.pair.SwapSymbol,
			Clip:          clip,
			SpotPrice:     spotQ.BestBid,
			SwapPrice:     swapQ.BestAsk,
			ContractValue: ctVal,
		})
		o.rounds++
		o.countOrders(result)

		// Balances after the round feed both the close margin delta and the
		// target clamp; the round itself is never interrupted.
		var after balances
		var afterErr error
		if result.Filled() {
			after, afterErr = e.balances(context.WithoutCancel(ctx), o.pair)
			if afterErr != nil {
				o.log.Warn("post-round balance fetch failed", zap.Error(afterErr))
			}
			o.account(result, after, afterErr)
		}

		switch result.Outcome {
		case exec.RoundAborted:
			e.deps.Metrics.RoundsAborted.Inc(abortReason(result.Err))
			if errors.Is(result.Err, exec.ErrSubmissionFailed) {
				o.skipReinvest = true
			}
			o.sm.Apply(strategy.EventAbort)
			return result.Err
		case exec.RoundEmpty:
			e.deps.Metrics.RoundsEmpty.Inc()
			o.resetGate()
			continue
		}
		e.deps.Metrics.RoundsFilled.Inc()
		o.confirm(ctx, result, after, afterErr)
		o.gate.Reset()
	}
}

func (o *operation) stopped(ctx context.Context) bool {
	return o.engine.stop.Load() || ctx.Err() != nil
}

func (o *operation) accelerate(ctx context.Context) {
	e := o.engine
	now := e.now()
	if !o.acc.Due(now) {
		return
	}
	threshold, ok, err := o.acc.Recompute(ctx, now)
	if err != nil {
		o.log.Warn("spread stats unavailable", zap.Error(err))
		return
	}
	if !ok {
		o.log.Debug("no spread observations for acceleration")
		return
	}
	o.log.Info("spread threshold accelerated",
		zap.Float64("previous", o.gate.Threshold()),
		zap.Float64("threshold", threshold),
		zap.Time("next_at", o.acc.NextAt()),
	)
	o.gate.SetThreshold(threshold)
	e.deps.Metrics.Threshold.Set(threshold)
	e.update(func(s *Snapshot) { s.Threshold = threshold })
}

// resetGate drops pending confirmations; they must come from consecutive
// valid observations.
func (o *operation) resetGate() {
	o.gate.Reset()
	o.engine.update(func(s *Snapshot) { s.Counter = 0 })
}

func (o *operation) observe(spot, swap market.Quote) strategy.Signal {
	e := o.engine
	premium := strategy.Premium(spot.BestBid, swap.BestAsk)
	if e.deps.Spreads != nil {
		e.deps.Spreads.RecordSpread(SpreadSample{
			Time:      e.now().UTC(),
			Coin:      o.req.Coin,
			SpotBid:   spot.BestBid,
			SwapAsk:   swap.BestAsk,
			Premium:   premium,
			Threshold: o.gate.Threshold(),
		})
	}
	e.deps.Metrics.SpreadPremium.Set(premium)
	signal := o.gate.Observe(spot.BestBid, swap.BestAsk)
	counter := o.gate.Counter()
	e.update(func(s *Snapshot) { s.Counter = counter })
	o.log.Debug("spread observed",
		zap.Float64("spot_bid", spot.BestBid),
		zap.Float64("swap_ask", swap.BestAsk),
		zap.Float64("premium", premium),
		zap.Stringer("signal", signal),
		zap.Int("counter", counter),
	)
	return signal
}

func (o *operation) size(spot, swap market.Quote, bal balances) (strategy.Clip, strategy.SizeOutcome) {
	in := strategy.SizeInput{
		Target:      o.target,
		BestBidSize: spot.BestBidSize,
		BestAskSize: swap.BestAskSize,
		SpotBalance: bal.spot,
		SwapBase:    bal.contracts * o.lots.ContractValue,
	}
	if o.kind == strategy.KindClose {
		return strategy.SizeClose(in, o.lots)
	}
	return strategy.SizeReduce(in, o.lots)
}

func (o *operation) countOrders(result exec.RoundResult) {
	m := o.engine.deps.Metrics
	for _, leg := range []exec.Leg{result.Spot, result.Swap} {
		switch leg.OrderID {
		case "":
		case exec.RejectedOrderID:
			m.OrdersRejected.Inc()
		default:
			m.OrdersPlaced.Inc()
		}
		if leg.Remediated {
			m.Remediations.Inc()
		}
	}
}

// account folds a filled round into the running totals. It runs even when
// the round failed the hedge check so the proceeds are not lost.
func (o *operation) account(result exec.RoundResult, after balances, afterErr error) {
	e := o.engine
	spotNotional := result.SpotFilled * result.Spot.AvgPrice
	swapNotional := result.SwapFilled * result.Swap.AvgPrice
	released := spotNotional + result.Spot.Fee
	if o.kind == strategy.KindClose && afterErr == nil {
		// Assumes nothing else moved the isolated margin during the round.
		delta := o.prevMargin - after.margin
		o.log.Info("margin released",
			zap.Float64("previous", o.prevMargin),
			zap.Float64("current", after.margin),
			zap.Float64("delta", delta),
		)
		released += delta
		o.prevMargin = after.margin
	}

	o.totals.FilledBaseSum += result.SwapFilled
	o.totals.USDTReleased += released
	o.totals.FeeTotal += result.Spot.Fee + result.Swap.Fee
	o.totals.SpotNotional += spotNotional
	o.totals.SwapNotional -= swapNotional

	if result.SwapFilled > 0 {
		e.deps.Metrics.BaseFilled.Add(result.SwapFilled)
	}
	if released > 0 {
		e.deps.Metrics.USDTReleased.Add(released)
	}
	o.log.Info("round filled",
		zap.Int("round", o.rounds),
		zap.Float64("spot_filled", result.SpotFilled),
		zap.Float64("spot_avg_px", result.Spot.AvgPrice),
		zap.Float64("swap_filled", result.SwapFilled),
		zap.Float64("swap_avg_px", result.Swap.AvgPrice),
		zap.Float64("usdt_released", released),
	)
}

// confirm applies a completed round: the progress record is written before
// the in-memory target moves.
func (o *operation) confirm(ctx context.Context, result exec.RoundResult, after balances, afterErr error) {
	e := o.engine
	next := o.target - result.SwapFilled
	if afterErr == nil {
		next = math.Min(next, math.Min(after.spot, after.contracts*o.lots.ContractValue))
	}
	if next < 0 {
		next = 0
	}
	if err := o.persist(context.WithoutCancel(ctx), next); err != nil {
		o.log.Error("progress update failed", zap.Float64("remaining", next), zap.Error(err))
	}
	o.target = next
	e.deps.Metrics.Remaining.Set(next)
	e.update(func(s *Snapshot) {
		s.Remaining = next
		s.Totals = o.totals
		s.Rounds = o.rounds
		s.Counter = 0
	})
}

func (o *operation) persist(ctx context.Context, remaining float64) error {
	e := o.engine
	return state.SaveProgress(ctx, e.deps.Store, state.ProgressRecord{
		Account:     e.accountID,
		Instrument:  o.req.Coin,
		Kind:        string(o.kind),
		Remaining:   remaining,
		USDTRelease: o.totals.USDTReleased,
		StartedAtMS: o.startedAtMS,
		UpdatedAtMS: e.now().UnixMilli(),
	})
}

func (o *operation) recordKey() string {
	return state.ProgressKey(o.engine.accountID, o.req.Coin, string(o.kind))
}

// finish flushes the ledger and drops the progress record unless the
// operation aborted, in which case the record stays for the operator.
func (o *operation) finish(ctx context.Context, loopErr error) Result {
	e := o.engine
	ctx = context.WithoutCancel(ctx)
	err := loopErr
	if o.sm.Current() != strategy.StateAborted {
		if o.totals.SpotNotional != 0 && e.deps.Ledger != nil {
			entries := ledger.Entries(e.accountID, o.req.Coin, e.now(), o.totals.ledgerTotals(), o.kind == strategy.KindClose)
			if flushErr := e.deps.Ledger.AppendLedgerEntries(ctx, entries); flushErr != nil {
				o.log.Error("ledger flush failed", zap.Error(flushErr))
				if err == nil {
					err = fmt.Errorf("ledger flush: %w", flushErr)
				}
			}
		}
		if o.recordCreated {
			if delErr := state.DeleteProgress(ctx, e.deps.Store, o.recordKey()); delErr != nil {
				o.log.Warn("progress delete failed", zap.Error(delErr))
			}
		}
	} else {
		o.log.Warn("unwind aborted, progress record kept", zap.String("key", o.recordKey()), zap.Error(loopErr))
	}
	o.reinvest(ctx)
	return o.result(err)
}

// reinvest puts released USDT back as isolated margin after a reduce.
func (o *operation) reinvest(ctx context.Context) {
	e := o.engine
	if o.kind != strategy.KindReduce || !e.cfg.ReinvestMarginValue() || o.skipReinvest {
		return
	}
	if o.totals.USDTReleased <= 0 {
		return
	}
	if err := e.deps.Account.AdjustMargin(ctx, o.pair.SwapSymbol, o.totals.USDTReleased, account.MarginAdd); err != nil {
		o.log.Warn("margin reinvest failed", zap.Float64("amount", o.totals.USDTReleased), zap.Error(err))
	}
}

func (o *operation) result(err error) Result {
	return Result{
		Coin:         o.req.Coin,
		Kind:         o.kind,
		Status:       o.sm.Current(),
		USDTReleased: o.totals.USDTReleased,
		Totals:       o.totals,
		Remaining:    o.target,
		Rounds:       o.rounds,
		Err:          err,
	}
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, exec.ErrHedgeImbalance):
		return "hedge_imbalance"
	case errors.Is(err, exec.ErrOrderRejected):
		return "order_rejected"
	case errors.Is(err, exec.ErrLegCancellationMismatch):
		return "leg_cancellation_mismatch"
	case errors.Is(err, exec.ErrSubmissionFailed):
		return "submission_failed"
	case errors.Is(err, exec.ErrReconciliationTimeout):
		return "reconciliation_timeout"
	case errors.Is(err, exec.ErrOrderStatusUnavailable):
		return "order_status_unavailable"
	}
	return "other"
}
