// Package channel correlates concurrent calls with responses from a
// single background worker.
//
// The worker is started lazily by the first call and reused afterwards.
// Every call gets a fresh id; the read loop resolves the pending call
// with the same id and drops responses nobody waits for. If the worker
// goes away, all of its pending calls are rejected and the next call
// starts a new one.
package channel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/internal/metrics"
	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// Call is an in-flight request. It is modelled on net/rpc.Call.
type Call struct {
	ID    string
	Type  protocol.MessageType
	Args  any
	Reply any        // decoded result on success
	Error error      // after completion, the error status
	Done  chan *Call // receives Call when the call completes; may be shared

	ch       *Channel
	conn     ClientConn
	timeout  time.Duration
	resolved chan struct{} // closed on completion, private to this call
}

func (call *Call) done() {
	close(call.resolved)
	select {
	case call.Done <- call:
	default:
		// Done is too small; the caller loses the notification.
	}
}

// Wait blocks until the call completes, ctx is done or the channel's call
// timeout passes. An abandoned call is removed from the registry; a late
// response for it is ignored. Wait does not receive from Done, so a Done
// channel shared by several calls keeps every notification.
func (call *Call) Wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if call.timeout > 0 {
		timer := time.NewTimer(call.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-call.resolved:
		return call.Error
	case <-ctx.Done():
		return call.abandon(ctx.Err())
	case <-timeout:
		return call.abandon(&CallError{
			ID:      call.ID,
			Kind:    protocol.ErrorKindTimeout,
			Message: fmt.Sprintf("call %s timed out after %v", call.ID, call.timeout),
		})
	}
}

// abandon rejects the call with err unless a response won the race.
func (call *Call) abandon(err error) error {
	if call.ch == nil || call.ch.take(call.ID) == nil {
		// Already resolved; its result is on the way.
		<-call.resolved
		return call.Error
	}
	call.Error = err
	return err
}

// Option configures a Channel.
type Option func(*Channel)

// WithCallTimeout bounds how long Call waits. Zero waits forever.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Channel) { c.callTimeout = d }
}

// WithMetrics records channel activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// Channel sends requests to a background worker and matches responses
// back to callers.
type Channel struct {
	starter     Starter
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// sending serializes writes to the connection.
	sending sync.Mutex

	mu      sync.Mutex
	conn    ClientConn // nil until started or after the worker was lost
	seq     uint64
	pending map[string]*Call
	closed  bool

	loops sync.WaitGroup
}

// New creates a channel. No worker is started until the first call.
func New(starter Starter, logger *zap.Logger, opts ...Option) *Channel {
	c := &Channel{
		starter: starter,
		pending: make(map[string]*Call),
		logger:  logger.With(zap.String("component", "channel")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Go sends a request asynchronously and returns its Call. The request is
// sent before Go returns. done may be nil; otherwise it must be buffered
// and may be shared by several calls, as with net/rpc.
func (c *Channel) Go(ctx context.Context, typ protocol.MessageType, args, reply any, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("channel: done channel is unbuffered")
	}

	call := &Call{
		Type:     typ,
		Args:     args,
		Reply:    reply,
		Done:     done,
		ch:       c,
		timeout:  c.callTimeout,
		resolved: make(chan struct{}),
	}

	payload, err := protocol.Marshal(args)
	if err != nil {
		call.Error = fmt.Errorf("failed to encode %s request: %w", typ, err)
		call.done()
		return call
	}

	conn, err := c.ensureStarted(ctx)
	if err != nil {
		call.Error = err
		call.done()
		return call
	}

	c.mu.Lock()
	c.seq++
	call.ID = strconv.FormatUint(c.seq, 10)
	call.conn = conn
	c.pending[call.ID] = call
	c.mu.Unlock()
	c.metrics.CallSent()

	c.sending.Lock()
	err = conn.Send(&protocol.Request{ID: call.ID, Type: typ, Payload: payload})
	c.sending.Unlock()

	if err != nil {
		// The read loop may have rejected it already while tearing down.
		if c.take(call.ID) != nil {
			call.Error = &CallError{
				ID:      call.ID,
				Kind:    protocol.ErrorKindChannel,
				Message: fmt.Sprintf("failed to send request: %v", err),
			}
			call.done()
		}
	}

	return call
}

// Call sends a request and waits for its result, decoded into reply.
func (c *Channel) Call(ctx context.Context, typ protocol.MessageType, args, reply any) error {
	return c.Go(ctx, typ, args, reply, nil).Wait(ctx)
}

// ensureStarted returns the live connection, starting a worker if needed.
// A failed start leaves the channel unstarted so the next call retries.
func (c *Channel) ensureStarted(ctx context.Context) (ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.starter.Start(ctx)
	if err != nil {
		c.logger.Warn("Failed to start worker", zap.Error(err))
		return nil, &CallError{
			Kind:    protocol.ErrorKindChannel,
			Message: fmt.Sprintf("failed to start worker: %v", err),
		}
	}

	c.conn = conn
	c.metrics.WorkerStarted()
	c.logger.Info("Worker started")

	c.loops.Add(1)
	go c.readLoop(conn)

	return conn, nil
}

// take removes and returns the pending call with id, or nil.
func (c *Channel) take(id string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	c.metrics.CallDone()
	return call
}

func (c *Channel) readLoop(conn ClientConn) {
	defer c.loops.Done()

	for {
		resp, err := conn.Recv()
		if err != nil {
			c.teardown(conn, err)
			return
		}

		call := c.take(resp.ID)
		if call == nil {
			c.logger.Debug("Ignoring response without a pending call", zap.String("id", resp.ID))
			continue
		}

		switch {
		case resp.OK:
			if call.Reply != nil {
				if err := protocol.Unmarshal(resp.Result, call.Reply); err != nil {
					call.Error = fmt.Errorf("failed to decode %s result: %w", call.Type, err)
				}
			}
		default:
			msg := resp.Error
			if msg == "" {
				msg = genericWorkerError
			}
			call.Error = &CallError{ID: call.ID, Kind: resp.Kind, Message: msg}
		}
		call.done()
	}
}

// teardown forgets conn and rejects every call sent on it.
func (c *Channel) teardown(conn ClientConn, cause error) {
	c.mu.Lock()
	lost := c.conn == conn && !c.closed
	if c.conn == conn {
		c.conn = nil
	}
	var calls []*Call
	for id, call := range c.pending {
		if call.conn == conn {
			calls = append(calls, call)
			delete(c.pending, id)
			c.metrics.CallDone()
		}
	}
	c.mu.Unlock()

	conn.Close()

	if lost {
		c.metrics.WorkerLost()
		c.logger.Warn("Worker lost",
			zap.Error(cause),
			zap.Int("pending", len(calls)),
		)
	}

	for _, call := range calls {
		call.Error = &CallError{
			ID:      call.ID,
			Kind:    protocol.ErrorKindChannel,
			Message: fmt.Sprintf("worker exited: %v", cause),
		}
		call.done()
	}
}

// Close stops the worker and rejects pending calls. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.loops.Wait()
	return err
}
