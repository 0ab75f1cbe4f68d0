package role

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_GreaterAddressIsServer(t *testing.T) {
	isServer, err := Resolve(net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"))
	require.NoError(t, err)
	require.True(t, isServer)

	isServer, err = Resolve(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"))
	require.NoError(t, err)
	require.False(t, isServer)
}

func TestResolve_Symmetric(t *testing.T) {
	a, b := net.ParseIP("203.0.113.9"), net.ParseIP("198.51.100.4")

	aIsServer, err := Resolve(a, b)
	require.NoError(t, err)
	bIsServer, err := Resolve(b, a)
	require.NoError(t, err)

	require.NotEqual(t, aIsServer, bIsServer, "exactly one side must resolve to server")
}

func TestResolve_RejectsSameAddress(t *testing.T) {
	_, err := Resolve(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.1"))
	require.ErrorIs(t, err, ErrSameAddress)
}

func TestResolve_RejectsFamilyMismatch(t *testing.T) {
	_, err := Resolve(net.ParseIP("10.0.0.1"), net.ParseIP("::1"))
	require.ErrorIs(t, err, ErrFamilyMismatch)
}

func TestResolve_IPv6(t *testing.T) {
	isServer, err := Resolve(net.ParseIP("2001:db8::2"), net.ParseIP("2001:db8::1"))
	require.NoError(t, err)
	require.True(t, isServer)
}
