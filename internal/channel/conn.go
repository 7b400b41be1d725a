package channel

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// ClientConn is the caller's end of a worker transport.
// Send is never called concurrently; Recv is called from one goroutine.
type ClientConn interface {
	Send(req *protocol.Request) error
	Recv() (*protocol.Response, error)
	Close() error
}

// WorkerConn is the worker's end of a transport.
type WorkerConn interface {
	Recv() (*protocol.Request, error)
	Send(resp *protocol.Response) error
	Close() error
}

// Starter launches a background worker and connects to it.
type Starter interface {
	Start(ctx context.Context) (ClientConn, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context) (ClientConn, error)

func (f StarterFunc) Start(ctx context.Context) (ClientConn, error) {
	return f(ctx)
}

// errPipeClosed is returned by writes on a closed pipe.
var errPipeClosed = errors.New("pipe closed")

// pipeQueue is how many requests may wait for the worker.
const pipeQueue = 64

// pipe is an in-memory transport. Closing either end closes both.
type pipe struct {
	reqs  chan *protocol.Request
	resps chan *protocol.Response
	done  chan struct{}
	once  sync.Once
}

// Pipe returns the two ends of an in-memory transport.
func Pipe() (ClientConn, WorkerConn) {
	p := &pipe{
		reqs:  make(chan *protocol.Request, pipeQueue),
		resps: make(chan *protocol.Response),
		done:  make(chan struct{}),
	}
	return (*pipeClient)(p), (*pipeWorker)(p)
}

func (p *pipe) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type pipeClient pipe

func (c *pipeClient) Send(req *protocol.Request) error {
	select {
	case <-c.done:
		return errPipeClosed
	default:
	}
	select {
	case c.reqs <- req:
		return nil
	case <-c.done:
		return errPipeClosed
	}
}

func (c *pipeClient) Recv() (*protocol.Response, error) {
	select {
	case resp := <-c.resps:
		return resp, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *pipeClient) Close() error { return (*pipe)(c).close() }

type pipeWorker pipe

func (w *pipeWorker) Recv() (*protocol.Request, error) {
	select {
	case req := <-w.reqs:
		return req, nil
	case <-w.done:
		return nil, io.EOF
	}
}

func (w *pipeWorker) Send(resp *protocol.Response) error {
	select {
	case w.resps <- resp:
		return nil
	case <-w.done:
		return errPipeClosed
	}
}

func (w *pipeWorker) Close() error { return (*pipe)(w).close() }

// stream carries CBOR messages over a byte stream, one value per message.
type stream[In, Out any] struct {
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	closer io.Closer
}

func (s *stream[In, Out]) Send(msg *Out) error {
	return s.enc.Encode(msg)
}

func (s *stream[In, Out]) Recv() (*In, error) {
	msg := new(In)
	if err := s.dec.Decode(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *stream[In, Out]) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// NewStreamClientConn speaks to a worker over r and w. closer, if not nil,
// is closed by Close.
func NewStreamClientConn(r io.Reader, w io.Writer, closer io.Closer) ClientConn {
	return &stream[protocol.Response, protocol.Request]{
		enc:    protocol.NewEncoder(w),
		dec:    protocol.NewDecoder(r),
		closer: closer,
	}
}

// NewStreamWorkerConn serves a client over r and w.
func NewStreamWorkerConn(r io.Reader, w io.Writer, closer io.Closer) WorkerConn {
	return &stream[protocol.Request, protocol.Response]{
		enc:    protocol.NewEncoder(w),
		dec:    protocol.NewDecoder(r),
		closer: closer,
	}
}
