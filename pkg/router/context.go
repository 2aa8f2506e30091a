package router

import (
	"net"

	"github.com/junbin-yang/coapd/pkg/codec"
)

// Context carries everything a handler needs: the inbound request,
// captured path parameters, and the peer's address. Helpers like
// Created/BadRequest below are concrete methods keyed to the
// response-code registry rather than reflection.
type Context struct {
	Request *codec.Message
	Params  map[string]string
	Peer    net.Addr
}

func (c *Context) Param(name string) string { return c.Params[name] }

func response(req *codec.Message, code codec.Code, payload []byte) *codec.Message {
	typ := codec.Acknowledgement
	if req.Type == codec.NonConfirmable {
		typ = codec.NonConfirmable
	}
	return &codec.Message{
		Type:      typ,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   payload,
	}
}

func (c *Context) Content(payload []byte) *codec.Message {
	return response(c.Request, codec.Content, payload)
}

func (c *Context) Created(payload []byte) *codec.Message {
	return response(c.Request, codec.Created, payload)
}

func (c *Context) Changed(payload []byte) *codec.Message {
	return response(c.Request, codec.Changed, payload)
}

func (c *Context) DeletedResp() *codec.Message {
	return response(c.Request, codec.Deleted, nil)
}

func (c *Context) BadRequest(payload []byte) *codec.Message {
	return response(c.Request, codec.BadRequest, payload)
}

func (c *Context) NotFound() *codec.Message {
	return response(c.Request, codec.NotFound, nil)
}

func (c *Context) MethodNotAllowed() *codec.Message {
	return response(c.Request, codec.MethodNotAllowed, nil)
}

func (c *Context) InternalServerError() *codec.Message {
	return response(c.Request, codec.InternalServerError, nil)
}
