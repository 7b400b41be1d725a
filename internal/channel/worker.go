package channel

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// Handler serves requests inside the background worker.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req protocol.Request) protocol.Response

func (f HandlerFunc) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	return f(ctx, req)
}

// Serve answers requests from conn one at a time until conn is closed or
// ctx is done. The handler is never called concurrently.
func Serve(ctx context.Context, conn WorkerConn, handler Handler, logger *zap.Logger) error {
	logger = logger.With(zap.String("component", "channel-worker"))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger.Debug("Worker serving")

	for {
		req, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Debug("Worker stopped")
				return nil
			}
			return err
		}

		resp := handler.Handle(ctx, *req)
		resp.ID = req.ID

		if err := conn.Send(&resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
