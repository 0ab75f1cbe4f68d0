// Package puncher implements the NAT hole-punching state machine: a
// deterministic, sans-I/O engine that drives a set of paired UDP port lanes
// between two peers through a handshake until exactly one lane is mutually
// confirmed open.
package puncher

import (
	"bytes"
	"errors"
	"fmt"
)

// Wire format of a puncher UDP datagram:
//
//	+----------+-------------+-------------------+
//	| PREAMBLE | LANE_STATUS | APPLICATION_DATA  |
//	+----------+-------------+-------------------+
//	|    8 B   |     1 B     |   0..1391 B       |
//	+----------+-------------+-------------------+
//
// The preamble is a stable compatibility anchor; changing it breaks interop
// with any deployed peer.

const (
	preambleSize   = 8
	laneStatusSize = 1

	// PacketHeaderSize is the fixed-size portion of every puncher datagram.
	PacketHeaderSize = preambleSize + laneStatusSize

	// MaxReasonablePayload is the largest UDP payload one can reasonably
	// expect to be deliverable over the network.
	MaxReasonablePayload = 1400

	// MaxRecommendedPayload leaves headroom for extra headers added in
	// transit (e.g. by a VPN or tunneling layer).
	MaxRecommendedPayload = 1350

	// MaxFragmentationSafePayload never triggers IP fragmentation.
	// See https://stackoverflow.com/questions/1098897
	MaxFragmentationSafePayload = 508

	// MaxApplicationData is the largest application payload the codec will
	// encode into a single packet.
	MaxApplicationData = MaxReasonablePayload - PacketHeaderSize

	// MaxRecommendedApplicationData is the application payload budget under
	// MaxRecommendedPayload.
	MaxRecommendedApplicationData = MaxRecommendedPayload - PacketHeaderSize

	// MaxFragmentationSafeApplicationData is the application payload budget
	// under MaxFragmentationSafePayload.
	MaxFragmentationSafeApplicationData = MaxFragmentationSafePayload - PacketHeaderSize
)

var preamble = [preambleSize]byte{0x38, 0x08, 0x42, 0x8b, 0x11, 0x39, 0x42, 0x53}

// LaneStatus is the sender's view of a lane, transmitted in every packet.
// Values are part of the wire contract and must never be renumbered.
type LaneStatus uint8

const (
	LaneStatusConnecting   LaneStatus = 1
	LaneStatusEstablishing LaneStatus = 2
	LaneStatusSelected     LaneStatus = 3
	LaneStatusBlocked      LaneStatus = 255
)

func (s LaneStatus) String() string {
	switch s {
	case LaneStatusConnecting:
		return "Connecting"
	case LaneStatusEstablishing:
		return "Establishing"
	case LaneStatusSelected:
		return "Selected"
	case LaneStatusBlocked:
		return "Blocked"
	default:
		return fmt.Sprintf("LaneStatus(%d)", uint8(s))
	}
}

func (s LaneStatus) valid() bool {
	switch s {
	case LaneStatusConnecting, LaneStatusEstablishing, LaneStatusSelected, LaneStatusBlocked:
		return true
	default:
		return false
	}
}

// Parser errors. Each is distinct and fatal to the lane that produced it.
var (
	ErrPacketTooShort    = errors.New("puncher: packet too short")
	ErrWrongPreamble     = errors.New("puncher: wrong preamble")
	ErrInvalidLaneStatus = errors.New("puncher: invalid lane status byte")
)

// encodePacket writes the preamble, status, and application data into buf,
// returning the number of bytes written. It errors if buf is too small or
// appData exceeds MaxApplicationData.
func encodePacket(buf []byte, status LaneStatus, appData []byte) (int, error) {
	if len(appData) > MaxApplicationData {
		return 0, fmt.Errorf("puncher: application data of %d bytes exceeds max of %d", len(appData), MaxApplicationData)
	}
	needed := PacketHeaderSize + len(appData)
	if len(buf) < needed {
		return 0, fmt.Errorf("puncher: buffer of %d bytes too small for packet of %d bytes", len(buf), needed)
	}

	copy(buf[0:preambleSize], preamble[:])
	buf[preambleSize] = byte(status)
	copy(buf[PacketHeaderSize:needed], appData)
	return needed, nil
}

// decodePacket parses a received datagram. The returned application data
// slice aliases buf.
func decodePacket(buf []byte) (LaneStatus, []byte, error) {
	if len(buf) < PacketHeaderSize {
		return 0, nil, ErrPacketTooShort
	}
	if !bytes.Equal(buf[:preambleSize], preamble[:]) {
		return 0, nil, ErrWrongPreamble
	}
	status := LaneStatus(buf[preambleSize])
	if !status.valid() {
		return 0, nil, ErrInvalidLaneStatus
	}
	return status, buf[PacketHeaderSize:], nil
}
