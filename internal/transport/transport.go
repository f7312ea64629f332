package transport

import (
	"context"

	"github.com/ent0n29/coachstream/internal/actor"
	"github.com/ent0n29/coachstream/internal/protocol"
)

// Transport runs one request on the caller's goroutine and reports progress
// with the same events the stream actor produces.
type Transport interface {
	Run(ctx context.Context, req actor.StartRequest, emit func(protocol.Event))
}

// Direct runs the actor's connection loop in-line. It is used when no actor
// is available to the host.
type Direct struct {
	opts actor.Options
}

func NewDirect(opts actor.Options) *Direct {
	return &Direct{opts: opts}
}

func (d *Direct) Run(ctx context.Context, req actor.StartRequest, emit func(protocol.Event)) {
	actor.Run(ctx, d.opts, req, emit)
}
