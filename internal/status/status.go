// Package status defines the flat result enumeration shared by every layer
// of the stack, in place of per-package error sentinels.
package status

import "fmt"

// Status is a flat result code returned by stack operations. A handful of
// codes (InProgress, Busy, IgnorePacket) are control flow rather than
// failures, and callers are expected to switch on them explicitly.
type Status uint8

const (
	OK Status = iota
	InProgress
	Busy
	InvalidArg
	ResourceExhausted
	PacketTooShort
	PacketTooBig
	InvalidCRC
	InvalidChecksum
	InvalidARPFrame
	InvalidTCPState
	InvalidPingRequest
	AddressInUse
	PacketNotFound
	ProtocolNotFound
	ARPFailure
	ConnectionReset
	Timeout
	BufferTooSmall
	Failure

	// IgnorePacket is a sentinel used only inside the Rx path: the packet
	// was not for us, or was malformed, and should be dropped silently. Each
	// Rx layer hands it back to its caller, and the interface's receive
	// pump drops the packet without reporting an error.
	IgnorePacket
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case InProgress:
		return "in_progress"
	case Busy:
		return "busy"
	case InvalidArg:
		return "invalid_arg"
	case ResourceExhausted:
		return "resource_exhausted"
	case PacketTooShort:
		return "packet_too_short"
	case PacketTooBig:
		return "packet_too_big"
	case InvalidCRC:
		return "invalid_crc"
	case InvalidChecksum:
		return "invalid_checksum"
	case InvalidARPFrame:
		return "invalid_arp_frame"
	case InvalidTCPState:
		return "invalid_tcp_state"
	case InvalidPingRequest:
		return "invalid_ping_request"
	case AddressInUse:
		return "address_in_use"
	case PacketNotFound:
		return "packet_not_found"
	case ProtocolNotFound:
		return "protocol_not_found"
	case ARPFailure:
		return "arp_failure"
	case ConnectionReset:
		return "connection_reset"
	case Timeout:
		return "timeout"
	case BufferTooSmall:
		return "buffer_too_small"
	case Failure:
		return "failure"
	case IgnorePacket:
		return "ignore_packet"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Ok reports whether s denotes outright success.
func (s Status) Ok() bool { return s == OK }

// Retriable reports whether s denotes a condition the caller should retry or
// wait on, rather than treat as final.
func (s Status) Retriable() bool { return s == InProgress || s == Busy }
