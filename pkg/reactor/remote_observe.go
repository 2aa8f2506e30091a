package reactor

import (
	"net"
	"sync"

	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// RemoteObserver is a client-side CoAP Observe consumer: opens a UDP
// socket, sends an Observe=0 GET, and runs a background reader
// dispatching by token to the caller's handler.
type RemoteObserver struct {
	conn *net.UDPConn

	mu       sync.Mutex
	handlers map[string]func(payload []byte)
	closed   bool
}

// Dial opens a UDP socket to addr for remote observation.
func Dial(addr *net.UDPAddr) (*RemoteObserver, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	ro := &RemoteObserver{
		conn:     conn,
		handlers: make(map[string]func(payload []byte)),
	}
	go ro.readLoop()
	return ro, nil
}

// Observe sends an Observe=0 GET for path with the caller-supplied token and
// registers handler to be called with the payload of every notification
// whose token matches.
func (ro *RemoteObserver) Observe(path string, token []byte, messageID uint16, handler func(payload []byte)) error {
	m := &codec.Message{
		Type:      codec.Confirmable,
		Code:      codec.GET,
		MessageID: messageID,
		Token:     token,
	}
	m.SetUriPath(path)
	m.SetOption(codec.OptionObserve, []byte{0})

	buf, err := codec.SerializeUDP(m)
	if err != nil {
		return err
	}

	ro.mu.Lock()
	ro.handlers[string(token)] = handler
	ro.mu.Unlock()

	_, err = ro.conn.Write(buf)
	return err
}

// CancelObserve sends Observe=1 for the given token and stops delivering
// to its handler.
func (ro *RemoteObserver) CancelObserve(path string, token []byte, messageID uint16) error {
	m := &codec.Message{
		Type:      codec.Confirmable,
		Code:      codec.GET,
		MessageID: messageID,
		Token:     token,
	}
	m.SetUriPath(path)
	m.SetOption(codec.OptionObserve, []byte{1})

	ro.mu.Lock()
	delete(ro.handlers, string(token))
	ro.mu.Unlock()

	buf, err := codec.SerializeUDP(m)
	if err != nil {
		return err
	}
	_, err = ro.conn.Write(buf)
	return err
}

func (ro *RemoteObserver) readLoop() {
	buf := make([]byte, 65535+4+8)
	for {
		n, err := ro.conn.Read(buf)
		if err != nil {
			ro.mu.Lock()
			closed := ro.closed
			ro.mu.Unlock()
			if !closed {
				logger.Debugf("reactor: remote observe socket closed: %v", err)
			}
			return
		}
		m, err := codec.ParseUDP(buf[:n])
		if err != nil {
			logger.Warnf("reactor: remote observe received malformed message: %v", err)
			continue
		}
		ro.mu.Lock()
		handler, ok := ro.handlers[string(m.Token)]
		ro.mu.Unlock()
		if !ok {
			continue
		}
		handler(m.Payload)
	}
}

// Close stops the reader and closes the underlying socket. Idempotent.
func (ro *RemoteObserver) Close() error {
	ro.mu.Lock()
	if ro.closed {
		ro.mu.Unlock()
		return nil
	}
	ro.closed = true
	ro.mu.Unlock()
	return ro.conn.Close()
}
