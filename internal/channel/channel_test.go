package channel

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/sigbridge/internal/metrics"
	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWorker starts a pipe per Start and runs fn on the worker end.
type fakeWorker struct {
	fn     func(conn WorkerConn)
	starts atomic.Int32
	fail   atomic.Int32 // number of starts left to fail
	wg     sync.WaitGroup
}

func (f *fakeWorker) Start(ctx context.Context) (ClientConn, error) {
	f.starts.Add(1)
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return nil, errors.New("spawn failed")
	}
	client, worker := Pipe()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer worker.Close()
		f.fn(worker)
	}()
	return client, nil
}

func newChannel(t *testing.T, f *fakeWorker, opts ...Option) *Channel {
	t.Helper()
	ch := New(f, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() {
		ch.Close()
		f.wg.Wait()
	})
	return ch
}

// echo answers each request with its own id.
func echo(conn WorkerConn) {
	for {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		resp, _ := protocol.Success(req.ID, "reply-"+req.ID)
		if conn.Send(&resp) != nil {
			return
		}
	}
}

func pendingCount(ch *Channel) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.pending)
}

func TestCallLazyStart(t *testing.T) {
	f := &fakeWorker{fn: echo}
	ch := newChannel(t, f)

	assert.Equal(t, int32(0), f.starts.Load(), "worker started before the first call")

	var reply string
	require.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, "x", &reply))
	assert.Equal(t, "reply-1", reply)

	require.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, "x", &reply))
	assert.Equal(t, "reply-2", reply)
	assert.Equal(t, int32(1), f.starts.Load())
}

func TestCallsResolvedOutOfOrder(t *testing.T) {
	const n = 8

	f := &fakeWorker{fn: func(conn WorkerConn) {
		var reqs []*protocol.Request
		for len(reqs) < n {
			req, err := conn.Recv()
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			var arg int
			if protocol.Unmarshal(reqs[i].Payload, &arg) != nil {
				return
			}
			resp, _ := protocol.Success(reqs[i].ID, arg*10)
			if conn.Send(&resp) != nil {
				return
			}
		}
		echo(conn)
	}}
	ch := newChannel(t, f)

	calls := make([]*Call, n)
	replies := make([]int, n)
	for i := range calls {
		calls[i] = ch.Go(context.Background(), protocol.MessageTypeSign, i, &replies[i], nil)
	}

	for i, call := range calls {
		require.NoError(t, call.Wait(context.Background()))
		assert.Equal(t, i*10, replies[i], "call %s got another call's result", call.ID)
	}
	assert.Zero(t, pendingCount(ch))
}

func TestConcurrentCallsUniqueIDs(t *testing.T) {
	f := &fakeWorker{fn: echo}
	ch := newChannel(t, f)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var reply string
			call := ch.Go(context.Background(), protocol.MessageTypeSign, "x", &reply, nil)
			if assert.NoError(t, call.Wait(context.Background())) {
				assert.Equal(t, "reply-"+call.ID, reply)
			}
			mu.Lock()
			seen[call.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 32)
	assert.Equal(t, int32(1), f.starts.Load())
}

func TestSharedDoneKeepsEveryNotification(t *testing.T) {
	f := &fakeWorker{fn: echo}
	ch := newChannel(t, f)

	done := make(chan *Call, 2)
	var first, second string
	a := ch.Go(context.Background(), protocol.MessageTypeSign, "x", &first, done)
	b := ch.Go(context.Background(), protocol.MessageTypeSign, "x", &second, done)

	require.NoError(t, a.Wait(context.Background()))
	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, "reply-1", first)
	assert.Equal(t, "reply-2", second)

	require.Len(t, done, 2, "Wait consumed a shared notification")
	got := map[string]bool{(<-done).ID: true, (<-done).ID: true}
	assert.Equal(t, map[string]bool{"1": true, "2": true}, got)
}

func TestCallTimeoutIgnoresLateResponse(t *testing.T) {
	held := make(chan *protocol.Request, 1)
	release := make(chan struct{})

	f := &fakeWorker{fn: func(conn WorkerConn) {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		held <- req
		<-release
		late, _ := protocol.Success(req.ID, "late")
		if conn.Send(&late) != nil {
			return
		}
		echo(conn)
	}}
	m := metrics.New()
	ch := newChannel(t, f, WithCallTimeout(50*time.Millisecond), WithMetrics(m))

	var reply string
	err := ch.Call(context.Background(), protocol.MessageTypeSign, "x", &reply)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, reply)
	assert.Zero(t, pendingCount(ch))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingCalls))

	<-held
	close(release)

	require.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, "x", &reply))
	assert.Equal(t, "reply-2", reply)
	assert.Equal(t, int32(1), f.starts.Load())
}

func TestCallContextCanceled(t *testing.T) {
	f := &fakeWorker{fn: func(conn WorkerConn) {
		for {
			if _, err := conn.Recv(); err != nil {
				return
			}
		}
	}}
	ch := newChannel(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := ch.Call(ctx, protocol.MessageTypeSign, "x", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, pendingCount(ch))
}

func TestWorkerDeathRejectsPendingAndRestarts(t *testing.T) {
	const n = 3

	var generation atomic.Int32
	f := &fakeWorker{}
	f.fn = func(conn WorkerConn) {
		if generation.Add(1) > 1 {
			echo(conn)
			return
		}
		// The first worker swallows n requests and exits.
		for range n {
			if _, err := conn.Recv(); err != nil {
				return
			}
		}
	}
	m := metrics.New()
	ch := newChannel(t, f, WithMetrics(m))

	calls := make([]*Call, n)
	for i := range calls {
		calls[i] = ch.Go(context.Background(), protocol.MessageTypeSign, i, nil, nil)
	}
	for _, call := range calls {
		err := call.Wait(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrChannel)
	}
	assert.Zero(t, pendingCount(ch))

	var reply string
	require.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, "x", &reply))
	assert.Equal(t, "reply-4", reply)
	assert.Equal(t, int32(2), f.starts.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerStarts))
}

func TestStartFailureRetries(t *testing.T) {
	f := &fakeWorker{fn: echo}
	f.fail.Store(1)
	ch := newChannel(t, f)

	err := ch.Call(context.Background(), protocol.MessageTypeSign, "x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannel)
	assert.Contains(t, err.Error(), "spawn failed")

	var reply string
	require.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, "x", &reply))
	assert.Equal(t, "reply-1", reply)
	assert.Equal(t, int32(2), f.starts.Load())
}

func TestFailureResponses(t *testing.T) {
	f := &fakeWorker{fn: func(conn WorkerConn) {
		for {
			req, err := conn.Recv()
			if err != nil {
				return
			}
			var resp protocol.Response
			switch req.ID {
			case "1":
				resp = protocol.Failure(req.ID, protocol.ErrorKindTrap, "wasm trap: forced trap")
			case "2":
				resp = protocol.Failure(req.ID, protocol.ErrorKindInstantiation, "")
			default:
				resp = protocol.Failure(req.ID, protocol.ErrorKindUnknownType, "Unknown message type")
			}
			if conn.Send(&resp) != nil {
				return
			}
		}
	}}
	ch := newChannel(t, f)
	ctx := context.Background()

	err := ch.Call(ctx, protocol.MessageTypeSign, "x", nil)
	assert.ErrorIs(t, err, ErrTrap)
	assert.EqualError(t, err, "wasm trap: forced trap")

	err = ch.Call(ctx, protocol.MessageTypeSign, "x", nil)
	assert.ErrorIs(t, err, ErrInstantiation)
	assert.EqualError(t, err, "Worker error")

	err = ch.Call(ctx, "bogus", "x", nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "3", callErr.ID)
	assert.Equal(t, "Unknown message type", callErr.Message)
}

func TestUnknownResponseIgnored(t *testing.T) {
	f := &fakeWorker{fn: func(conn WorkerConn) {
		for {
			req, err := conn.Recv()
			if err != nil {
				return
			}
			stray, _ := protocol.Success("no-such-call", "stray")
			if conn.Send(&stray) != nil {
				return
			}
			resp, _ := protocol.Success(req.ID, "real")
			if conn.Send(&resp) != nil {
				return
			}
		}
	}}
	ch := newChannel(t, f)

	var reply string
	require.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, "x", &reply))
	assert.Equal(t, "real", reply)
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	f := &fakeWorker{fn: func(conn WorkerConn) {
		for {
			if _, err := conn.Recv(); err != nil {
				return
			}
		}
	}}
	m := metrics.New()
	ch := newChannel(t, f, WithMetrics(m))

	call := ch.Go(context.Background(), protocol.MessageTypeSign, "x", nil, nil)
	require.NoError(t, ch.Close())

	err := call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrChannel)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkerFailures), "closing is not a worker failure")

	err = ch.Call(context.Background(), protocol.MessageTypeSign, "x", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, ch.Close())
}

func TestGoRejectsUnbufferedDone(t *testing.T) {
	ch := New(&fakeWorker{fn: echo}, zap.NewNop())
	defer ch.Close()

	assert.Panics(t, func() {
		ch.Go(context.Background(), protocol.MessageTypeSign, "x", nil, make(chan *Call))
	})
}

func TestInProcessServe(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, req protocol.Request) protocol.Response {
		if req.Type != protocol.MessageTypeSign {
			return protocol.Failure("", protocol.ErrorKindUnknownType, "Unknown message type")
		}
		var n int
		if err := protocol.Unmarshal(req.Payload, &n); err != nil {
			return protocol.Failure("", protocol.ErrorKindChannel, err.Error())
		}
		resp, _ := protocol.Success("", strconv.Itoa(n*n))
		return resp
	})

	ch := New(InProcess(handler, zap.NewNop()), zap.NewNop())
	defer ch.Close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var reply string
			if assert.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, i, &reply)) {
				assert.Equal(t, strconv.Itoa(i*i), reply)
			}
		}()
	}
	wg.Wait()

	err := ch.Call(context.Background(), "bogus", 1, nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestStreamConn(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	client := NewStreamClientConn(respR, reqW, reqW)
	worker := NewStreamWorkerConn(reqR, respW, respW)

	served := make(chan error, 1)
	go func() {
		err := Serve(context.Background(), worker, HandlerFunc(func(ctx context.Context, req protocol.Request) protocol.Response {
			resp, _ := protocol.Success("", string(req.Type))
			return resp
		}), zap.NewNop())
		// Closing the response stream lets the client read loop finish.
		worker.Close()
		served <- err
	}()

	ch := New(StarterFunc(func(ctx context.Context) (ClientConn, error) {
		return client, nil
	}), zap.NewNop())

	var reply string
	require.NoError(t, ch.Call(context.Background(), protocol.MessageTypeSign, protocol.SignRequest{Method: "GET"}, &reply))
	assert.Equal(t, "sign", reply)

	require.NoError(t, ch.Close())
	require.NoError(t, <-served)
	respR.Close()
}

func TestServeStopsOnContext(t *testing.T) {
	_, worker := Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, worker, HandlerFunc(func(ctx context.Context, req protocol.Request) protocol.Response {
			return protocol.Response{OK: true}
		}), zap.NewNop())
	}()

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop after cancellation")
	}
}

func TestCallErrorIs(t *testing.T) {
	err := &CallError{Kind: protocol.ErrorKindTimeout, Message: "slow"}

	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrTrap)
	assert.NotErrorIs(t, err, ErrChannel)
	assert.Equal(t, "slow", err.Error())
}
