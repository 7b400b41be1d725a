package signer

import (
	"context"

	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// UnknownTypeMessage is the error text for unsupported request types.
const UnknownTypeMessage = "Unknown message type"

// Handler answers worker requests with an Adapter.
type Handler struct {
	adapter *Adapter
	logger  *zap.Logger
}

// NewHandler creates a handler backed by adapter.
func NewHandler(adapter *Adapter, logger *zap.Logger) *Handler {
	return &Handler{
		adapter: adapter,
		logger:  logger.With(zap.String("component", "signer-handler")),
	}
}

// Handle serves one request.
func (h *Handler) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.MessageTypeSign:
		var payload protocol.SignRequest
		if err := protocol.Unmarshal(req.Payload, &payload); err != nil {
			return protocol.Failure(req.ID, protocol.ErrorKindChannel, "invalid sign payload: "+err.Error())
		}

		out := h.adapter.InvokeSign(ctx, payload)
		if !out.OK() {
			return protocol.Failure(req.ID, out.Kind, out.Err.Error())
		}

		resp, err := protocol.Success(req.ID, out.Signature)
		if err != nil {
			return protocol.Failure(req.ID, protocol.ErrorKindChannel, err.Error())
		}
		return resp

	default:
		h.logger.Debug("Rejecting request",
			zap.String("id", req.ID),
			zap.String("type", string(req.Type)),
		)
		return protocol.Failure(req.ID, protocol.ErrorKindUnknownType, UnknownTypeMessage)
	}
}
