// Package socketbind binds the contiguous range of UDP sockets a puncher
// engine needs, one per lane, following the fallback and retry rules the
// original implementation used for its ephemeral-port allocation.
package socketbind

import (
	"context"
	"fmt"
	"net"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
)

// Bind opens laneCount sequential UDP sockets on addr, starting at
// portStart. If portStart is non-zero and the upward allocation collides
// with a socket already bound on this host, it retries once starting one
// port below portStart and counting down. If portStart is zero (OS-chosen
// first port), the whole allocation is retried up to 3 times, since the
// kernel may hand back a starting port whose successor range collides
// with something else already bound.
func Bind(addr net.IP, portStart uint16, laneCount uint16) ([]*net.UDPConn, error) {
	if portStart != 0 {
		conns, err := bindUpward(addr, portStart, laneCount)
		if err == nil {
			return conns, nil
		}
		return bindDownward(addr, portStart-1, laneCount)
	}

	op := func() ([]*net.UDPConn, error) {
		return bindEphemeralRun(addr, laneCount)
	}
	return backoff.Retry(context.Background(), op, backoff.WithMaxTries(3))
}

func bindUpward(addr net.IP, portStart uint16, laneCount uint16) ([]*net.UDPConn, error) {
	conns := make([]*net.UDPConn, 0, laneCount)
	for i := uint16(0); i < laneCount; i++ {
		port := portStart + i
		conn, err := bindOne(addr, port)
		if err != nil {
			closeAll(conns)
			return nil, fmt.Errorf("socketbind: binding port %d: %w", port, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func bindDownward(addr net.IP, highPort uint16, laneCount uint16) ([]*net.UDPConn, error) {
	if int(highPort)-int(laneCount)+1 < 0 {
		return nil, fmt.Errorf("socketbind: lane count %d does not fit below port %d", laneCount, highPort)
	}
	low := highPort - laneCount + 1
	conns, err := bindUpward(addr, low, laneCount)
	if err != nil {
		return nil, fmt.Errorf("socketbind: downward fallback from port %d: %w", highPort, err)
	}
	return conns, nil
}

// bindEphemeralRun lets the OS pick the first port, then binds the
// remaining laneCount-1 ports sequentially above it.
func bindEphemeralRun(addr net.IP, laneCount uint16) ([]*net.UDPConn, error) {
	first, err := bindOne(addr, 0)
	if err != nil {
		return nil, fmt.Errorf("socketbind: binding ephemeral port: %w", err)
	}
	firstPort := uint16(first.LocalAddr().(*net.UDPAddr).Port)

	if laneCount == 1 {
		return []*net.UDPConn{first}, nil
	}

	rest, err := bindUpward(addr, firstPort+1, laneCount-1)
	if err != nil {
		first.Close()
		return nil, err
	}
	return append([]*net.UDPConn{first}, rest...), nil
}

func bindOne(addr net.IP, port uint16) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: int(port)})
	if err != nil {
		return nil, err
	}
	if err := setReuseAddr(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	return conn, nil
}

func setReuseAddr(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func closeAll(conns []*net.UDPConn) {
	for _, c := range conns {
		c.Close()
	}
}
