package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"okx-carry-unwind/internal/app"
	"okx-carry-unwind/internal/config"
	"okx-carry-unwind/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the process exit code. Errors
// are printed once, here.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "okx-carry-unwind",
		Short:         "Unwind OKX spot/swap carry positions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	root.AddCommand(newReduceCmd(opts), newCloseCmd(opts), newStatusCmd(opts))
	return root
}

// setup loads configuration and builds the application for one command.
func (o *rootOptions) setup() (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", o.configPath))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return nil, nil, fmt.Errorf("initialize app: %w", err)
	}
	return application, log, nil
}

func closeApp(application *app.App, log *zap.Logger) {
	if err := application.Close(); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = log.Sync()
}

var errIncomplete = errors.New("unwind did not complete")
