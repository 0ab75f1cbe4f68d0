package hostrunner_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/juanrs/punchtun/internal/hostrunner"
	"github.com/juanrs/punchtun/internal/puncher"
	"github.com/juanrs/punchtun/internal/transport"
	"github.com/stretchr/testify/require"
)

type capturingHandoff struct {
	servedCh chan *net.UDPAddr
}

func (h *capturingHandoff) Serve(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) error {
	h.servedCh <- remote
	<-ctx.Done()
	return nil
}

func bindLoopback(t *testing.T, ip net.IP) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	require.NoError(t, err)
	return conn
}

func TestHostrunner_SingleLaneClientReachesSelected(t *testing.T) {
	// The engine rejects identical peer addresses, so the two peers sit on
	// distinct loopback addresses; the greater one plays the server.
	clientAddr := net.ParseIP("127.0.0.1")
	serverAddr := net.ParseIP("127.0.0.2")

	clientConn := bindLoopback(t, clientAddr)
	defer clientConn.Close()
	serverConn := bindLoopback(t, serverAddr)
	defer serverConn.Close()

	clientPort := uint16(clientConn.LocalAddr().(*net.UDPAddr).Port)
	serverPort := uint16(serverConn.LocalAddr().(*net.UDPAddr).Port)

	now := time.Now()
	clientEngine := puncher.New(puncher.Config{
		IsServer:        false,
		MyAddress:       clientAddr,
		MyPortStart:     clientPort,
		RemoteAddress:   serverAddr,
		RemotePortStart: serverPort,
		LaneCount:       1,
		TickPeriod:      20 * time.Millisecond,
		Timeout:         2 * time.Second,
		Now:             now,
	})
	serverEngine := puncher.New(puncher.Config{
		IsServer:        true,
		MyAddress:       serverAddr,
		MyPortStart:     serverPort,
		RemoteAddress:   clientAddr,
		RemotePortStart: clientPort,
		LaneCount:       1,
		TickPeriod:      20 * time.Millisecond,
		Timeout:         2 * time.Second,
		Now:             now,
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clientHandoff := &capturingHandoff{servedCh: make(chan *net.UDPAddr, 1)}
	serverHandoff := &capturingHandoff{servedCh: make(chan *net.UDPAddr, 1)}

	clientRunner, err := hostrunner.NewRunner(hostrunner.Config{
		Engine:        clientEngine,
		Conns:         []*net.UDPConn{clientConn},
		RemoteAddress: serverAddr,
		Clock:         clockwork.NewRealClock(),
		Log:           log,
		Handoff:       clientHandoff,
	})
	require.NoError(t, err)

	serverRunner, err := hostrunner.NewRunner(hostrunner.Config{
		Engine:        serverEngine,
		Conns:         []*net.UDPConn{serverConn},
		RemoteAddress: clientAddr,
		Clock:         clockwork.NewRealClock(),
		Log:           log,
		Handoff:       serverHandoff,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- clientRunner.Run(ctx) }()
	go func() { errCh <- serverRunner.Run(ctx) }()

	select {
	case remote := <-clientHandoff.servedCh:
		require.Equal(t, int(serverPort), remote.Port)
	case err := <-errCh:
		t.Fatalf("runner exited before handoff: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client handoff")
	}
}

func TestHostrunner_RequiresConfig(t *testing.T) {
	_, err := hostrunner.NewRunner(hostrunner.Config{})
	require.Error(t, err)
}

var _ transport.Handoff = (*capturingHandoff)(nil)
