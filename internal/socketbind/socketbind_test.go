package socketbind_test

import (
	"net"
	"testing"

	"github.com/juanrs/punchtun/internal/socketbind"
	"github.com/stretchr/testify/require"
)

func TestSocketbind_EphemeralRunIsContiguousAscending(t *testing.T) {
	conns, err := socketbind.Bind(net.ParseIP("127.0.0.1"), 0, 3)
	require.NoError(t, err)
	defer closeAll(conns)
	require.Len(t, conns, 3)

	first := conns[0].LocalAddr().(*net.UDPAddr).Port
	for i, c := range conns {
		port := c.LocalAddr().(*net.UDPAddr).Port
		require.Equal(t, first+i, port)
	}
}

func TestSocketbind_FixedPortStartBindsUpward(t *testing.T) {
	// Bind an ephemeral single socket first to find a free base port, then
	// release it and rebind the range starting there.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	base := uint16(probe.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, probe.Close())

	conns, err := socketbind.Bind(net.ParseIP("127.0.0.1"), base, 4)
	require.NoError(t, err)
	defer closeAll(conns)
	require.Len(t, conns, 4)

	for i, c := range conns {
		port := c.LocalAddr().(*net.UDPAddr).Port
		require.Equal(t, int(base)+i, port)
	}
}

func TestSocketbind_FallsBackDownwardOnCollision(t *testing.T) {
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	base := uint16(probe.LocalAddr().(*net.UDPAddr).Port)
	defer probe.Close()

	// base is held by probe, so upward allocation starting at base must
	// collide immediately and the whole range should fall back below it.
	conns, err := socketbind.Bind(net.ParseIP("127.0.0.1"), base, 3)
	require.NoError(t, err)
	defer closeAll(conns)
	require.Len(t, conns, 3)

	for _, c := range conns {
		port := c.LocalAddr().(*net.UDPAddr).Port
		require.Less(t, port, int(base))
	}
}

func TestSocketbind_SingleLane(t *testing.T) {
	conns, err := socketbind.Bind(net.ParseIP("127.0.0.1"), 0, 1)
	require.NoError(t, err)
	defer closeAll(conns)
	require.Len(t, conns, 1)
}

func closeAll(conns []*net.UDPConn) {
	for _, c := range conns {
		c.Close()
	}
}
