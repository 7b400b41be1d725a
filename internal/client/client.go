// Package client is the public entry point for signing requests. A
// Client owns its channel, its background worker and, for in-process
// isolation, the sandbox behind it.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/internal/channel"
	"github.com/woxQAQ/sigbridge/internal/config"
	"github.com/woxQAQ/sigbridge/internal/metrics"
	"github.com/woxQAQ/sigbridge/internal/signer"
	"github.com/woxQAQ/sigbridge/internal/wasm"
	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// WorkerCommand is the subcommand a worker process is started with.
const WorkerCommand = "worker"

// Option configures a Client.
type Option func(*options)

type options struct {
	source  wasm.ModuleSource
	starter channel.Starter
	metrics *metrics.Metrics
}

// WithModuleSource overrides the signer binary named by the config.
// It only applies to in-process isolation.
func WithModuleSource(source wasm.ModuleSource) Option {
	return func(o *options) { o.source = source }
}

// WithStarter replaces the worker transport entirely.
func WithStarter(starter channel.Starter) Option {
	return func(o *options) { o.starter = starter }
}

// WithMetrics records facade, channel and sandbox activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Client signs requests through a background worker.
type Client struct {
	ch      *channel.Channel
	metrics *metrics.Metrics
	logger  *zap.Logger

	// closers release what New created, in reverse order.
	closers []func(ctx context.Context) error
}

// New creates a client for cfg. The worker is not started until the
// first call.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		metrics: o.metrics,
		logger:  logger.With(zap.String("component", "client")),
	}

	starter := o.starter
	if starter == nil {
		var err error
		switch cfg.Channel.Isolation {
		case config.IsolationProcess:
			starter, err = c.processStarter(cfg)
		default:
			starter, err = c.inProcessStarter(ctx, cfg, o.source, logger)
		}
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
	}

	c.ch = channel.New(starter, logger,
		channel.WithCallTimeout(cfg.Channel.CallTimeout),
		channel.WithMetrics(o.metrics),
	)

	c.logger.Debug("Client created",
		zap.String("isolation", cfg.Channel.Isolation),
		zap.Duration("call_timeout", cfg.Channel.CallTimeout),
	)

	return c, nil
}

// inProcessStarter hosts the sandbox in this process behind a worker
// goroutine.
func (c *Client) inProcessStarter(
	ctx context.Context,
	cfg *config.Config,
	source wasm.ModuleSource,
	logger *zap.Logger,
) (channel.Starter, error) {
	var path string
	if source == nil {
		var err error
		source, path, err = signer.ResolveSource(cfg.Wasm)
		if err != nil {
			return nil, err
		}
	}

	adapter, err := signer.NewAdapter(ctx, cfg.Wasm, source, c.metrics, logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, adapter.Close)

	if cfg.Wasm.WatchBinary && path != "" {
		watcher, err := signer.Watch(path, adapter, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
		c.closers = append(c.closers, func(context.Context) error { return watcher.Close() })
	}

	return channel.InProcess(signer.NewHandler(adapter, logger), logger), nil
}

// processStarter runs the sandbox in a child process speaking the worker
// protocol on stdio.
func (c *Client) processStarter(cfg *config.Config) (channel.Starter, error) {
	command := cfg.Channel.WorkerCommand
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		command = exe
	}
	return channel.Process(command, WorkerArgs(cfg), c.logger), nil
}

// WorkerArgs are the arguments that start a worker with cfg's sandbox
// settings. Settings without a flag reach the worker through the config
// file or the inherited environment.
func WorkerArgs(cfg *config.Config) []string {
	args := []string{WorkerCommand, "--log-level", cfg.LogLevel}
	if cfg.File != "" {
		args = append(args, "--config", cfg.File)
	}
	if cfg.LogFile != "" {
		args = append(args, "--log-file", cfg.LogFile)
	}
	if cfg.Wasm.Binary != "" {
		args = append(args, "--wasm", cfg.Wasm.Binary)
	}
	if cfg.Wasm.Manifest != "" {
		args = append(args, "--manifest", cfg.Wasm.Manifest)
	}
	return args
}

// Sign returns the signature for req. No field is validated.
func (c *Client) Sign(ctx context.Context, req protocol.SignRequest) (string, error) {
	start := time.Now()

	var sig string
	err := c.ch.Call(ctx, protocol.MessageTypeSign, req, &sig)

	c.metrics.ObserveSign(resultLabel(err), time.Since(start))
	if err != nil {
		return "", err
	}
	return sig, nil
}

// SignAsync sends req and returns without waiting. On success the
// signature is in *call.Reply.(*string).
func (c *Client) SignAsync(ctx context.Context, req protocol.SignRequest) *channel.Call {
	return c.ch.Go(ctx, protocol.MessageTypeSign, req, new(string), nil)
}

// Close stops the worker and releases the sandbox.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.ch != nil {
		errs = append(errs, c.ch.Close())
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i](ctx))
	}
	c.closers = nil
	return errors.Join(errs...)
}

// resultLabel names the outcome of a sign call for metrics.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var callErr *channel.CallError
	if errors.As(err, &callErr) && callErr.Kind != protocol.ErrorKindNone {
		return string(callErr.Kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
