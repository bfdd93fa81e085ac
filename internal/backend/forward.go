package backend

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
)

// TransferSource hands out the current upstream transfer, connecting if
// needed.
type TransferSource interface {
	Transfer(ctx context.Context) (session.Transfer, error)
}

// ForwardDispatcher relays requests to an upstream keyless server and returns
// its answers under the downstream id.
type ForwardDispatcher struct {
	src TransferSource
}

func NewForwardDispatcher(src TransferSource) *ForwardDispatcher {
	return &ForwardDispatcher{src: src}
}

func (d *ForwardDispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req.Opcode == protocol.OpPing {
		return protocol.NewPongResponse(req.ID, req.Payload)
	}
	t, err := d.src.Transfer(ctx)
	if err != nil {
		log.Warn().Err(err).Uint32("id", req.ID).Msg("upstream unavailable")
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError)
	}
	resp, err := session.Do(ctx, t, req.Clone(0))
	if resp != nil {
		return resp.WithID(req.ID)
	}
	log.Debug().Err(err).Uint32("id", req.ID).Str("op", req.Opcode.String()).Msg("upstream request failed")
	return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError)
}
