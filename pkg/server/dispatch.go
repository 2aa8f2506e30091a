package server

import (
	"errors"

	"github.com/junbin-yang/coapd/pkg/coaperr"
	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/content"
	"github.com/junbin-yang/coapd/pkg/middleware"
	"github.com/junbin-yang/coapd/pkg/router"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// Dispatcher converts a parsed inbound request into an outbound response,
// driving router match, middleware chain, and error-kind-to-response-code
// mapping. It is transport-agnostic: UDP and TCP listeners both call
// Handle.
type Dispatcher struct {
	Routes  *router.Composite
	Chain   middleware.Middleware
	Content *content.Registry
}

// NewDispatcher wires routes through chain (may be middleware.Identity)
// before the router match. reg is kept as Dispatcher.Content; Handle does
// not encode payloads itself, since handlers return *codec.Message (a
// mapping-returning handler is adapted with middleware.WrapMapping).
func NewDispatcher(routes *router.Composite, chain middleware.Middleware, reg *content.Registry) *Dispatcher {
	if chain == nil {
		chain = middleware.Identity
	}
	return &Dispatcher{Routes: routes, Chain: chain, Content: reg}
}

// Handle resolves req against the route table and returns the response to
// send, or nil if none should be sent (e.g. for requests the transport
// layer itself must answer, like empty CON pings, or NON requests a
// handler chooses not to acknowledge).
func (d *Dispatcher) Handle(ctx *router.Context) *codec.Message {
	req := ctx.Request

	h, params, otherMethod := d.Routes.Dispatch(req.Code, req.UriPath())
	if h == nil {
		if otherMethod {
			logger.Debugf("server: method not allowed %s %s", req.Code, req.UriPath())
			return ctx.MethodNotAllowed()
		}
		logger.Debugf("server: no route for %s %s", req.Code, req.UriPath())
		return ctx.NotFound()
	}
	ctx.Params = params

	wrapped := d.Chain(h)
	resp, err := wrapped(ctx)
	if errors.Is(err, coaperr.ErrUnsupportedContentFormat) {
		logger.Debugf("server: unsupported content format for %s %s", req.Code, req.UriPath())
		resp := ctx.BadRequest(nil)
		resp.Code = codec.UnsupportedContentFormat
		return resp
	}
	if err != nil {
		logger.Errorf("server: handler error for %s %s: %v", req.Code, req.UriPath(), err)
		return ctx.InternalServerError()
	}
	if resp == nil {
		return nil
	}
	return resp
}
