// Package udp implements the CoAP-over-UDP listener: a shared bound
// socket, optional SO_REUSEPORT N-way fan-out, a receive loop feeding a
// bounded queue drained by a worker pool, and the per-message
// dedup/retransmission plumbing.
package udp

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

const (
	// DefaultPort is CoAP's registered UDP port (RFC 7252 §12.8).
	DefaultPort = 5683
	// MaxPDUSize bounds a single inbound datagram buffer.
	MaxPDUSize = 1152 // RFC 7252 recommends a UDP payload this size or less
	// MulticastTTL bounds multicast datagram hop count on this socket.
	MulticastTTL = 64
	// readPollInterval is the non-blocking readiness check granularity
	// the receive loop uses so shutdown is honored promptly.
	readPollInterval = 100 * time.Millisecond
)

// Socket wraps a bound UDP connection with multicast TTL/loopback posture
// configured for CoAP traffic.
type Socket struct {
	Conn *net.UDPConn
}

// Bind opens and configures a UDP socket at addr. If reusePort is true,
// the platform-specific SO_REUSEPORT listener is used so multiple
// processes/goroutine-groups can share the port for N-way fan-out.
func Bind(addr *net.UDPAddr, reusePort bool) (*Socket, error) {
	var conn *net.UDPConn
	var err error
	if reusePort {
		conn, err = listenReusePort(addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, err
	}

	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.SetMulticastTTL(MulticastTTL); err != nil {
		logger.Warnf("udp: set multicast TTL failed: %v", err)
	}
	if err := packetConn.SetMulticastLoopback(false); err != nil {
		logger.Warnf("udp: disable multicast loopback failed: %v", err)
	}

	return &Socket{Conn: conn}, nil
}

// SendTo writes b to dst, satisfying pkg/reliability.Sender.
func (s *Socket) SendTo(dst *net.UDPAddr, b []byte) error {
	_, err := s.Conn.WriteToUDP(b, dst)
	return err
}

// SendNotify writes b to the subscriber endpoint, satisfying
// pkg/observe.Sender. peerAddr is the Subscription.PeerEndpoint string.
func (s *Socket) SendNotify(peerAddr string, b []byte) error {
	dst, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return err
	}
	return s.SendTo(dst, b)
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.Conn.Close()
}

// recvResult is one datagram handed from the receive loop to a worker.
type recvResult struct {
	data []byte
	n    int
	src  *net.UDPAddr
}

// ReceiveLoop reads datagrams off the socket and submits each to submit.
// It uses a short read deadline so the loop re-checks stopCh at
// readPollInterval granularity instead of blocking forever in Read.
func (s *Socket) ReceiveLoop(stopCh <-chan struct{}, submit func(data []byte, n int, src *net.UDPAddr)) {
	buf := make([]byte, MaxPDUSize)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := s.Conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			logger.Errorf("udp: set read deadline failed: %v", err)
			return
		}

		n, src, err := s.Conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-stopCh:
				return
			default:
				logger.Warnf("udp: read error: %v", err)
				continue
			}
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		submit(cp, n, src)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
