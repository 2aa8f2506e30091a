// Package middleware implements a composable func(Handler) Handler chain.
// A handler's mapping return is wrapped into a 2.05 Content response via
// the content registry. The dispatcher turns a returned
// coaperr.ErrUnsupportedContentFormat into a 4.15 and any other error into
// a 5.00.
package middleware

import (
	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/content"
	"github.com/junbin-yang/coapd/pkg/router"
)

// Middleware wraps a Handler with cross-cutting behavior (logging,
// metrics, auth) before/after the wrapped handler runs.
type Middleware func(router.Handler) router.Handler

// Identity is the no-op middleware, the chain's default.
func Identity(h router.Handler) router.Handler { return h }

// Chain composes mw left-to-right: the first middleware is outermost.
func Chain(mw ...Middleware) Middleware {
	return func(final router.Handler) router.Handler {
		h := final
		for i := len(mw) - 1; i >= 0; i-- {
			h = mw[i](h)
		}
		return h
	}
}

// WrapMapping adapts a handler that returns (map[string]any, error) into
// a router.Handler, encoding the mapping as a 2.05 Content response via
// reg.
func WrapMapping(reg *content.Registry, fn func(ctx *router.Context) (map[string]any, error)) router.Handler {
	return func(ctx *router.Context) (*codec.Message, error) {
		mapping, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		format := content.Default
		if cf, ok := ctx.Request.GetOption(codec.OptionContentFormat); ok && len(cf) > 0 {
			format = content.Format(cf[0])
		}
		body, encErr := reg.Encode(mapping, format)
		if encErr != nil {
			return nil, encErr
		}
		return ctx.Content(body), nil
	}
}
