package conncode

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnCode_RoundTrip(t *testing.T) {
	addresses := []net.IP{
		net.ParseIP("69.22.4.0"),
		net.ParseIP("1.2.3.4"),
		net.ParseIP("123.210.123.210"),
		net.ParseIP("::1"),
		net.ParseIP("1234::9c9:3ab2:f332:23ec"),
	}
	portStarts := []uint16{0, 500, 1024, 1920, 5000, 7912, 32132, 48912, 65535}
	laneCounts := []uint16{1, 2, 3, 7, 50, 65535}

	for _, addr := range addresses {
		for _, port := range portStarts {
			for _, lanes := range laneCounts {
				if int(port)+int(lanes) > 65536 {
					continue
				}
				code := Code{Address: addr, PortStart: port, LaneCount: lanes, Timestamp: 1717000000}

				s, err := code.EncodeToString()
				require.NoError(t, err)
				require.LessOrEqual(t, len(s), MaxStringLength)

				got, err := DecodeFromString(s)
				require.NoError(t, err)
				require.True(t, got.Address.Equal(code.Address))
				require.Equal(t, code.PortStart, got.PortStart)
				require.Equal(t, code.LaneCount, got.LaneCount)
				require.Equal(t, code.Timestamp, got.Timestamp)
			}
		}
	}
}

func TestConnCode_RejectsZeroLaneCount(t *testing.T) {
	code := Code{Address: net.ParseIP("1.2.3.4"), PortStart: 40000, LaneCount: 0, Timestamp: 1}
	_, err := code.EncodeToString()
	require.ErrorIs(t, err, ErrZeroLaneCount)
}

func TestConnCode_RejectsOverflowingLaneCount(t *testing.T) {
	buf := make([]byte, MaxBytesLength)
	code := Code{Address: net.ParseIP("1.2.3.4"), PortStart: 65530, LaneCount: 10, Timestamp: 1}
	n, err := code.EncodeToBytes(buf)
	require.NoError(t, err, "encoding itself doesn't validate overflow, only decoding does")

	_, err = DecodeFromBytes(buf[:n])
	require.ErrorIs(t, err, ErrOverflowingLaneCount)
}

// TestConnCode_ChecksumSensitivity is property P8: flipping any single
// base64 character must fail to decode, either as a decode error or as a
// checksum mismatch.
func TestConnCode_ChecksumSensitivity(t *testing.T) {
	code := Code{Address: net.ParseIP("69.22.4.0"), PortStart: 43434, LaneCount: 69, Timestamp: 1717000000}
	s, err := code.EncodeToString()
	require.NoError(t, err)

	for i := range s {
		mutated := []byte(s)
		original := mutated[i]
		for _, r := range []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_") {
			if r == original {
				continue
			}
			mutated[i] = r
			_, err := DecodeFromString(string(mutated))
			require.Error(t, err, "mutated code %q decoded without error at position %d", string(mutated), i)
			mutated[i] = original
			break
		}
	}
}

func TestConnCode_DecodeRejectsGarbageBase64(t *testing.T) {
	_, err := DecodeFromString("not valid base64!!")
	require.ErrorIs(t, err, ErrInvalidBase64)
}

func TestConnCode_DecodeRejectsOverlongInput(t *testing.T) {
	code := Code{Address: net.ParseIP("1234::9c9:3ab2:f332:23ec"), PortStart: 1, LaneCount: 1, Timestamp: 1}
	s, err := code.EncodeToString()
	require.NoError(t, err)
	require.LessOrEqual(t, len(s), MaxStringLength)

	doubled := s + s
	_, err = DecodeFromString(doubled)
	require.ErrorIs(t, err, ErrTooLong)
}

func TestConnCode_DecodeRejectsTruncatedInput(t *testing.T) {
	code := Code{Address: net.ParseIP("1.2.3.4"), PortStart: 1, LaneCount: 1, Timestamp: 1}
	s, err := code.EncodeToString()
	require.NoError(t, err)

	_, err = DecodeFromString(s[:len(s)-4])
	require.Error(t, err)
}
