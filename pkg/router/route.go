// Package router implements CoAP path matching: exact and ":param"
// dynamic segments, composite/mounted sub-routers with longest-prefix
// dispatch, and RFC 6690 CoRE Link Format generation.
package router

import (
	"strings"

	"github.com/junbin-yang/coapd/pkg/codec"
)

// Handler answers one request; captured path parameters are available via
// Context.Params. A nil *codec.Message return with a nil error means the
// handler produced no response (e.g. for a NON request it chooses not to ack).
type Handler func(ctx *Context) (*codec.Message, error)

// Metadata backs CoRE Link Format attribute emission.
type Metadata struct {
	ResourceType  string // rt
	Interface     string // if
	ContentFormat string // ct
	Size          string // sz
	Title         string // title
	Observable    bool   // obs (bare token when true)
	Attrs         map[string]string
}

// route is one registered (method, path pattern) entry.
type route struct {
	method   codec.Code
	pattern  string
	segments []string // split pattern, nil for root
	dynamic  bool
	handler  Handler
	meta     Metadata
}

func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isDynamicPattern(segs []string) bool {
	for _, s := range segs {
		if strings.HasPrefix(s, ":") {
			return true
		}
	}
	return false
}

// matchSegments compares a dynamic route's segments against a request
// path's segments, binding ":name" segments into params. Equal segment
// counts are required; literal segments must match exactly.
func matchSegments(pattern, request []string) (params map[string]string, ok bool) {
	if len(pattern) != len(request) {
		return nil, false
	}
	params = make(map[string]string)
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = request[i]
			continue
		}
		if seg != request[i] {
			return nil, false
		}
	}
	return params, true
}
