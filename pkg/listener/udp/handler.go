package udp

import (
	"net"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/observe"
	"github.com/junbin-yang/coapd/pkg/reactor"
	"github.com/junbin-yang/coapd/pkg/reliability"
	"github.com/junbin-yang/coapd/pkg/router"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// Listener binds Dispatcher.Handle's outputs to a UDP socket: receive loop,
// dedup cache, retransmission manager, and the worker pool all meet here.
type Listener struct {
	Socket  *Socket
	Pool    *reactor.Pool
	Dedup   *reliability.DedupCache
	RelMgr  *reliability.Manager
	Observe *observe.Registry
	Handle  func(ctx *router.Context) *codec.Message

	stopCh chan struct{}
}

// New builds a Listener. handle is typically pkg/server.Dispatcher.Handle.
// reg may be nil, in which case a received RST only cancels retransmission
// and does not also tear down Observe subscriptions for the peer.
func New(socket *Socket, pool *reactor.Pool, clock clockwork.Clock, reg *observe.Registry, handle func(ctx *router.Context) *codec.Message) *Listener {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &Listener{
		Socket:  socket,
		Pool:    pool,
		Dedup:   reliability.NewDedupCache(reliability.DedupDefaultCapacity, reliability.DedupDefaultTTL, clock),
		Observe: reg,
		Handle:  handle,
		stopCh:  make(chan struct{}),
	}
	l.RelMgr = reliability.NewManager(socket, clock)
	return l
}

// Serve runs the receive loop until Close. Each datagram is submitted to
// the worker pool, which parses and dispatches it, so a slow handler never
// blocks the receive thread.
func (l *Listener) Serve() {
	l.Socket.ReceiveLoop(l.stopCh, func(data []byte, n int, src *net.UDPAddr) {
		l.Pool.Submit(func() {
			l.handleDatagram(data, src)
		})
	})
}

func (l *Listener) handleDatagram(data []byte, src *net.UDPAddr) {
	m, err := codec.ParseUDP(data)
	if err != nil {
		logger.Debugf("udp: malformed datagram from %v: %v", src, err)
		if m == nil {
			// Header itself is unreliable: nothing to echo a response on.
			return
		}
		resp := &codec.Message{
			Type:      codec.Acknowledgement,
			Code:      codec.ResponseCodeForParseError(err),
			MessageID: m.MessageID,
			Token:     m.Token,
		}
		if m.Type == codec.NonConfirmable {
			resp.Type = codec.NonConfirmable
		}
		l.send(resp, src)
		return
	}

	switch m.Type {
	case codec.Acknowledgement:
		l.RelMgr.HandleAck(m.MessageID)
		return
	case codec.Reset:
		l.RelMgr.HandleRst(m.MessageID)
		if l.Observe != nil {
			l.Observe.UnsubscribeAllForPeer(src.String())
		}
		return
	}

	if m.Code == codec.Empty {
		l.handleEmptyMessage(m, src)
		return
	}

	l.handleRequest(m, src)
}

// handleEmptyMessage answers scenarios 3/4: an empty CON is a CoAP ping
// and gets an empty ACK; an empty NON is answered with RST since it
// carries no meaningful request.
func (l *Listener) handleEmptyMessage(m *codec.Message, src *net.UDPAddr) {
	switch m.Type {
	case codec.Confirmable:
		ack := &codec.Message{Type: codec.Acknowledgement, Code: codec.Empty, MessageID: m.MessageID}
		l.send(ack, src)
	case codec.NonConfirmable:
		rst := &codec.Message{Type: codec.Reset, Code: codec.Empty, MessageID: m.MessageID}
		l.send(rst, src)
	}
}

func (l *Listener) handleRequest(m *codec.Message, src *net.UDPAddr) {
	source := src.String()

	if m.Type == codec.Confirmable {
		if found, cached := l.Dedup.Lookup(m.MessageID, source); found {
			if cached != nil {
				logger.Debugf("udp: resending cached response for dup mid=%d src=%s", m.MessageID, source)
				if _, err := l.Socket.Conn.WriteToUDP(cached, src); err != nil {
					logger.Warnf("udp: resend failed: %v", err)
				}
			}
			return
		}
		l.Dedup.MarkInFlight(m.MessageID, source)
	}

	ctx := &router.Context{Request: m, Peer: src}
	resp := l.Handle(ctx)
	if resp == nil {
		return
	}

	buf, err := codec.SerializeUDP(resp)
	if err != nil {
		logger.Errorf("udp: serialize response failed: %v", err)
		return
	}

	if m.Type == codec.Confirmable {
		l.Dedup.StoreResponse(m.MessageID, source, buf)
	}

	if _, err := l.Socket.Conn.WriteToUDP(buf, src); err != nil {
		logger.Warnf("udp: write response failed: %v", err)
	}
}

func (l *Listener) send(m *codec.Message, dst *net.UDPAddr) {
	buf, err := codec.SerializeUDP(m)
	if err != nil {
		logger.Errorf("udp: serialize failed: %v", err)
		return
	}
	if _, err := l.Socket.Conn.WriteToUDP(buf, dst); err != nil {
		logger.Warnf("udp: write failed: %v", err)
	}
}

// Close stops the receive loop and the retransmission manager.
// Idempotent.
func (l *Listener) Close() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.RelMgr.Close()
}
