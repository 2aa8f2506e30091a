// Package coaperr defines the sentinel error kinds shared across the
// codec, router, reliability and listener subsystems.
package coaperr

import "errors"

// Codec-level.
var (
	ErrMalformedMessage        = errors.New("coap: malformed message")
	ErrOptionTooLarge          = errors.New("coap: option value too large")
	ErrUnsupportedCode         = errors.New("coap: unsupported code")
	ErrUnknownCriticalOption   = errors.New("coap: unrecognized critical option")
)

// Routing.
var (
	ErrUnknownRoute      = errors.New("coap: unknown route")
	ErrMethodNotAllowed  = errors.New("coap: method not allowed")
	ErrCyclicNesting     = errors.New("coap: cyclic mount nesting")
	ErrDuplicateRoute    = errors.New("coap: duplicate route")
	ErrMissingMountPath  = errors.New("coap: missing mount path")
)

// Content negotiation.
var ErrUnsupportedContentFormat = errors.New("coap: unsupported content format")

// Handler execution.
var ErrHandlerException = errors.New("coap: handler panicked or returned an error")

// Client-side exchange outcomes.
var (
	ErrTimeout      = errors.New("coap: confirmable exchange timed out")
	ErrRejected     = errors.New("coap: peer sent RST")
	ErrSocketClosed = errors.New("coap: socket closed")
)
