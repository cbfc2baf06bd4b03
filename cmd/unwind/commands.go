package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"okx-carry-unwind/internal/strategy"
	"okx-carry-unwind/internal/unwind"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runFlags struct {
	coin            string
	size            float64
	usdt            float64
	resume          bool
	threshold       float64
	accelerateAfter time.Duration
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.coin, "coin", "", "base currency, e.g. BTC")
	cmd.Flags().Float64Var(&f.threshold, "threshold", 0, "minimum swap premium over spot bid (0 uses config)")
	cmd.Flags().DurationVar(&f.accelerateAfter, "accelerate-after", 0, "recompute the threshold from spread history after this long (0 uses config)")
	_ = cmd.MarkFlagRequired("coin")
}

func (f *runFlags) request() unwind.Request {
	return unwind.Request{
		Coin:            f.coin,
		Size:            f.size,
		USDT:            f.usdt,
		Resume:          f.resume,
		Threshold:       f.threshold,
		AccelerateAfter: f.accelerateAfter,
	}
}

func newReduceCmd(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Sell part of the spot leg and buy back the matching swap short",
		Long: `Reduce sells --size base units (or the base equivalent of --usdt) of spot
and closes the same amount of the swap short, one FOK round at a time, only
while the swap ask trades above the spot bid by more than the threshold.

A target larger than either leg becomes a full close. --resume continues an
aborted reduce from its progress record after settling any orders the
earlier run left on the exchange.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if amounts(flags.size > 0, flags.usdt > 0, flags.resume) != 1 {
				return errors.New("exactly one of --size, --usdt or --resume must be given")
			}
			return runUnwind(cmd, opts, strategy.KindReduce, flags.request())
		},
	}
	flags.bind(cmd)
	cmd.Flags().Float64Var(&flags.size, "size", 0, "base amount to unwind")
	cmd.Flags().Float64Var(&flags.usdt, "usdt", 0, "USDT amount to release")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "continue the recorded reduce for --coin")
	return cmd
}

func amounts(set ...bool) int {
	n := 0
	for _, ok := range set {
		if ok {
			n++
		}
	}
	return n
}

func newCloseCmd(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Unwind the whole hedged position for a coin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUnwind(cmd, opts, strategy.KindClose, flags.request())
		},
	}
	flags.bind(cmd)
	return cmd
}

func runUnwind(cmd *cobra.Command, opts *rootOptions, kind strategy.Kind, req unwind.Request) error {
	application, log, err := opts.setup()
	if err != nil {
		return err
	}
	defer closeApp(application, log)

	res, err := application.Run(cmd.Context(), kind, req)
	if err != nil {
		log.Error("unwind failed to start", zap.Error(err))
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s: %s\n", res.Kind, res.Coin, res.Status)
	fmt.Fprintf(out, "usdt_released: %.4f\n", res.USDTReleased)
	fmt.Fprintf(out, "filled_base: %.8f\n", res.Totals.FilledBaseSum)
	fmt.Fprintf(out, "fees: %.8f\n", res.Totals.FeeTotal)
	fmt.Fprintf(out, "remaining: %.8f\n", res.Remaining)
	fmt.Fprintf(out, "rounds: %d\n", res.Rounds)
	if res.Err != nil {
		fmt.Fprintf(out, "error: %v\n", res.Err)
	}
	if res.Status != strategy.StateCompleted {
		return errIncomplete
	}
	return nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var coin string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List in-flight operations and, with --coin, recorded ledger entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer closeApp(application, log)

			out := cmd.OutOrStdout()
			records, err := application.InFlight(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "no operations in flight")
			}
			for _, rec := range records {
				fmt.Fprintf(out, "%s %s %s remaining=%.8f usdt=%.4f started=%s updated=%s\n",
					rec.Account, rec.Kind, rec.Instrument, rec.Remaining, rec.USDTRelease,
					time.UnixMilli(rec.StartedAtMS).UTC().Format(time.RFC3339),
					time.UnixMilli(rec.UpdatedAtMS).UTC().Format(time.RFC3339))
			}
			if coin == "" {
				return nil
			}
			entries, err := application.Ledger(cmd.Context(), strings.ToUpper(strings.TrimSpace(coin)))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s %s %s %s %.8f\n", e.Timestamp.Format(time.RFC3339), e.Instrument, e.Title, e.Field, e.Amount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&coin, "coin", "", "also print ledger entries for this coin")
	return cmd
}
