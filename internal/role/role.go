// Package role derives which peer in a hole-punch attempt acts as the
// server, as a pure function of the two public addresses involved.
package role

import (
	"bytes"
	"errors"
	"net"
)

// ErrSameAddress is returned when both peers report the same public
// address: hole-punching has no meaning between a host and itself.
var ErrSameAddress = errors.New("role: local and remote addresses are identical")

// ErrFamilyMismatch is returned when the two addresses are not the same
// IP family (one IPv4, one IPv6).
var ErrFamilyMismatch = errors.New("role: local and remote addresses are not the same IP family")

// Resolve derives is_server for the local peer: the numerically greater
// address becomes the server. Both addresses must be the same family and
// must differ.
func Resolve(local, remote net.IP) (isServer bool, err error) {
	localV4, remoteV4 := local.To4(), remote.To4()
	if (localV4 == nil) != (remoteV4 == nil) {
		return false, ErrFamilyMismatch
	}

	l, r := local, remote
	if localV4 != nil {
		l, r = localV4, remoteV4
	} else {
		l, r = local.To16(), remote.To16()
	}

	switch bytes.Compare(l, r) {
	case 0:
		return false, ErrSameAddress
	case 1:
		return true, nil
	default:
		return false, nil
	}
}
