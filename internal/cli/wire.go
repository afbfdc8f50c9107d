package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/batchanchor/internal/chain"
	"github.com/roach88/batchanchor/internal/chain/eas"
	"github.com/roach88/batchanchor/internal/chain/local"
	"github.com/roach88/batchanchor/internal/config"
	"github.com/roach88/batchanchor/internal/engine"
	"github.com/roach88/batchanchor/internal/notify"
	"github.com/roach88/batchanchor/internal/record"
	"github.com/roach88/batchanchor/internal/store"
)

// app holds what a command builds from configuration. Close releases it in
// reverse order of acquisition.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	closers []func() error
}

// newLogger writes text logs to w; --verbose switches to debug.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// openApp loads configuration and opens the batch ledger.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cmd.ErrOrStderr())
	logger.Debug("configuration loaded", "config", fmt.Sprintf("%+v", cfg.Redacted()))

	if dir := filepath.Dir(cfg.State.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create state directory", err)
		}
	}
	logger.Debug("opening ledger", "path", cfg.State.Path)
	st, err := store.Open(cfg.State.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st}
	a.closers = append(a.closers, st.Close)
	return a, nil
}

// Close releases everything the app opened.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close failed", "error", err)
		}
	}
	a.closers = nil
}

// chainClient is the external ledger: one value serves both roles.
type chainClient interface {
	chain.Submitter
	chain.ReceiptChecker
}

// dialChain connects to the configured external ledger.
func (a *app) dialChain(ctx context.Context) (chainClient, error) {
	switch a.cfg.Ledger.Kind {
	case "local":
		l, err := local.Open(a.cfg.Ledger.LocalDir)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open local ledger", err)
		}
		a.logger.Debug("using local ledger", "dir", a.cfg.Ledger.LocalDir)
		return l, nil
	case "eas":
		c, err := eas.Dial(ctx, eas.Config{
			RPCURL:        a.cfg.EAS.RPCURL,
			PrivateKey:    a.cfg.EAS.PrivateKey,
			SchemaUID:     a.cfg.EAS.SchemaUID,
			Contract:      a.cfg.EAS.Contract,
			WaitTimeout:   a.cfg.EAS.WaitTimeout,
			SubmitTimeout: a.cfg.EAS.SubmitTimeout,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect to attestation ledger", err)
		}
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		a.logger.Debug("using eas ledger", "rpc_url", a.cfg.EAS.RPCURL, "contract", a.cfg.EAS.Contract)
		return c, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown ledger kind %q", a.cfg.Ledger.Kind))
	}
}

// notifier always logs events and also forwards them to the configured broker.
func (a *app) notifier() (notify.Notifier, error) {
	logSink := notify.LogNotifier{Logger: a.logger}
	switch a.cfg.Notify.Kind {
	case "", "log":
		return logSink, nil
	case "kafka":
		k, err := notify.NewKafka(notify.KafkaConfig{
			Brokers:  a.cfg.Notify.Kafka.Brokers,
			Topic:    a.cfg.Notify.Kafka.Topic,
			ClientID: "batchanchor",
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create kafka notifier", err)
		}
		a.closers = append(a.closers, k.Close)
		return notify.Multi{logSink, k}, nil
	case "rabbitmq":
		r, err := notify.DialRabbit(notify.RabbitConfig{
			URL:        a.cfg.Notify.RabbitMQ.URL,
			Exchange:   a.cfg.Notify.RabbitMQ.Exchange,
			RoutingKey: a.cfg.Notify.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect rabbitmq notifier", err)
		}
		a.closers = append(a.closers, r.Close)
		return notify.Multi{logSink, r}, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown notify kind %q", a.cfg.Notify.Kind))
	}
}

// engine wires the lifecycle engine to the configured collaborators.
func (a *app) engine(ctx context.Context, extra ...engine.Option) (*engine.Engine, error) {
	client, err := a.dialChain(ctx)
	if err != nil {
		return nil, err
	}
	n, err := a.notifier()
	if err != nil {
		return nil, err
	}

	records := record.NewStore(record.DirSource{Dir: a.cfg.Input.Dir}, a.store)
	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithNotifier(n),
		engine.WithMinRetryDelay(a.cfg.Retry.MinDelay),
		engine.WithStaleAfter(a.cfg.Retry.StaleAfter),
		engine.WithArtifactDir(a.cfg.Merkle.Dir),
	}
	return engine.New(a.store, records, client, client, append(opts, extra...)...), nil
}

// runExitError maps a pass-aborting engine error to an exit code: ledger
// failures are command errors, anything else fails the run.
func runExitError(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if engine.IsLedgerError(err) {
		return WrapExitError(ExitCommandError, "ledger error", err)
	}
	return WrapExitError(ExitFailure, "run failed", err)
}
