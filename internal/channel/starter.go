package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InProcess starts the worker as a goroutine serving handler over an
// in-memory pipe. Closing the connection waits for the goroutine to exit.
func InProcess(handler Handler, logger *zap.Logger) Starter {
	return StarterFunc(func(ctx context.Context) (ClientConn, error) {
		client, worker := Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := Serve(context.Background(), worker, handler, logger); err != nil {
				logger.Warn("Worker exited", zap.Error(err))
			}
			worker.Close()
		}()
		return &goroutineConn{ClientConn: client, done: done}, nil
	})
}

// goroutineConn is the client end of an in-process worker.
type goroutineConn struct {
	ClientConn
	done chan struct{}
}

func (c *goroutineConn) Close() error {
	err := c.ClientConn.Close()
	<-c.done
	return err
}

// processExitGrace is how long Close waits for the worker to exit after
// its stdin is closed.
const processExitGrace = 5 * time.Second

// Process starts the worker as a child process speaking CBOR on its
// stdin and stdout. Its stderr is passed through.
func Process(command string, args []string, logger *zap.Logger) Starter {
	logger = logger.With(zap.String("component", "channel-process"))

	return StarterFunc(func(ctx context.Context) (ClientConn, error) {
		cmd := exec.Command(command, args...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker %s: %w", command, err)
		}

		logger.Info("Worker process started",
			zap.String("command", command),
			zap.Int("pid", cmd.Process.Pid),
		)

		p := &process{cmd: cmd, stdin: stdin, logger: logger}
		return NewStreamClientConn(stdout, stdin, p), nil
	})
}

// process closes a worker process: stdin first so the worker sees EOF,
// then a kill if it does not exit in time.
type process struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	logger *zap.Logger

	once sync.Once
	err  error
}

func (p *process) Close() error {
	p.once.Do(func() {
		p.stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- p.cmd.Wait() }()

		select {
		case err := <-exited:
			p.err = err
		case <-time.After(processExitGrace):
			p.logger.Warn("Worker did not exit, killing it", zap.Int("pid", p.cmd.Process.Pid))
			p.cmd.Process.Kill()
			p.err = <-exited
		}

		var exitErr *exec.ExitError
		if errors.As(p.err, &exitErr) {
			p.logger.Info("Worker process exited", zap.Int("code", exitErr.ExitCode()))
			p.err = nil
		}
	})
	return p.err
}
