//go:build !unix

package udp

import (
	"errors"
	"net"
)

// listenReusePort has no portable equivalent outside unix platforms;
// callers fall back to a plain bind.
func listenReusePort(addr *net.UDPAddr) (*net.UDPConn, error) {
	return nil, errors.New("udp: SO_REUSEPORT is not supported on this platform")
}
