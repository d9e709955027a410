// Package packet implements the DTP wire format: a 24-byte fixed header in
// network byte order followed by an opaque payload of declared length.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Magic identifies a DTP datagram; it is the first check on any buffer.
	Magic uint16 = 0xDEAD
	// Version is the only wire version this package understands.
	Version uint8 = 1
	// HeaderSize is the fixed, packed size of Header in bytes.
	HeaderSize = 24
	// DefaultPort is the UDP port DTP datagrams are exchanged on.
	DefaultPort = 4433
)

// Priority is the enumerated traffic class. Lower numeric value outranks higher.
type Priority uint8

const (
	Critical Priority = iota
	High
	Medium
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether p is one of the declared enumeration values.
func (p Priority) Valid() bool { return p <= Low }

// DefaultDeadlineMS is the production default deadline for p, in milliseconds.
// Test fixtures may override these; callers must treat them as parameters,
// not constants, when constructing packets (see NewData's deadline arg).
func (p Priority) DefaultDeadlineMS() uint64 {
	switch p {
	case Critical:
		return 500
	case High:
		return 1500
	case Medium:
		return 3000
	default:
		return 6000
	}
}

// Type is the DTP packet type enumeration.
type Type uint8

const (
	Data Type = iota
	Ack
	Nack
	Congestion
	Keepalive
)

func (t Type) Valid() bool { return t <= Keepalive }

// Flag bits. Only Reliable, Droppable and Batched are interpreted by the
// core; Compressed and Encrypted are reserved and passed through untouched.
type Flags uint8

const (
	Reliable   Flags = 0x01
	Droppable  Flags = 0x02
	Batched    Flags = 0x04
	Compressed Flags = 0x08
	Encrypted  Flags = 0x10
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ErrMalformedHeader is returned when a buffer is too short or the magic
// number does not match. No partial state is exposed to the caller.
var ErrMalformedHeader = errors.New("dtp packet: malformed header")

// ErrUnknownEnum is returned when priority or packet-type bytes fall outside
// their declared enumerations.
var ErrUnknownEnum = errors.New("dtp packet: unknown enum value")

// Header is the 24-byte DTP header, unpacked into Go fields.
type Header struct {
	Version       uint8
	Type          Type
	Priority      Priority
	Flags         Flags
	Sequence      uint16
	TimestampMS   uint32
	DeadlineMS    uint64
	PayloadLength uint16
	BatchID       uint16
}

// Pack encodes h into its 24-byte wire representation.
func (h Header) Pack() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], Magic)
	b[2] = h.Version
	b[3] = uint8(h.Type)
	b[4] = uint8(h.Priority)
	b[5] = uint8(h.Flags)
	binary.BigEndian.PutUint16(b[6:8], h.Sequence)
	binary.BigEndian.PutUint32(b[8:12], h.TimestampMS)
	binary.BigEndian.PutUint64(b[12:20], h.DeadlineMS)
	binary.BigEndian.PutUint16(b[20:22], h.PayloadLength)
	binary.BigEndian.PutUint16(b[22:24], h.BatchID)
	return b
}

// UnpackHeader decodes the first HeaderSize bytes of data into a Header.
// Magic and version-adjacent enum checks happen before any field is
// populated, so a failed unpack never exposes partial state.
func UnpackHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedHeader, len(data), HeaderSize)
	}
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != Magic {
		return h, fmt.Errorf("%w: magic %#x", ErrMalformedHeader, magic)
	}
	ptype := Type(data[3])
	priority := Priority(data[4])
	if !ptype.Valid() {
		return h, fmt.Errorf("%w: packet type %d", ErrUnknownEnum, ptype)
	}
	if !priority.Valid() {
		return h, fmt.Errorf("%w: priority %d", ErrUnknownEnum, priority)
	}
	h = Header{
		Version:       data[2],
		Type:          ptype,
		Priority:      priority,
		Flags:         Flags(data[5]),
		Sequence:      binary.BigEndian.Uint16(data[6:8]),
		TimestampMS:   binary.BigEndian.Uint32(data[8:12]),
		DeadlineMS:    binary.BigEndian.Uint64(data[12:20]),
		PayloadLength: binary.BigEndian.Uint16(data[20:22]),
		BatchID:       binary.BigEndian.Uint16(data[22:24]),
	}
	return h, nil
}

// Packet is a complete DTP datagram: header plus opaque payload.
type Packet struct {
	Header    Header
	Payload   []byte
	ReceiveMS uint32 // set by MarkReceived; meaningful only when Received() is true
	received  bool
}

// Pack serializes the packet to its wire bytes (header followed by payload).
func (p Packet) Pack() []byte {
	h := p.Header
	h.PayloadLength = uint16(len(p.Payload))
	hb := h.Pack()
	out := make([]byte, 0, HeaderSize+len(p.Payload))
	out = append(out, hb[:]...)
	out = append(out, p.Payload...)
	return out
}

// Unpack decodes a full packet (header + declared-length payload) from data.
// It fails with ErrMalformedHeader if fewer than PayloadLength bytes of
// payload follow the header, per the "payload_length must match actual
// payload bytes" invariant.
func Unpack(data []byte) (Packet, error) {
	h, err := UnpackHeader(data)
	if err != nil {
		return Packet{}, err
	}
	end := HeaderSize + int(h.PayloadLength)
	if len(data) < end {
		return Packet{}, fmt.Errorf("%w: payload_length %d exceeds %d remaining bytes",
			ErrMalformedHeader, h.PayloadLength, len(data)-HeaderSize)
	}
	payload := make([]byte, h.PayloadLength)
	copy(payload, data[HeaderSize:end])
	return Packet{Header: h, Payload: payload}, nil
}

// MarkReceived stamps the packet with a monotonic receive timestamp.
func (p *Packet) MarkReceived(nowMS uint32) {
	p.ReceiveMS = nowMS
	p.received = true
}

// Received reports whether MarkReceived has been called.
func (p Packet) Received() bool { return p.received }

// Latency returns receive time minus header timestamp, adjusted by
// offsetMS (a clock-sync correction; pass 0 if unsynchronized). ok is false
// if the packet has not been marked received.
func (p Packet) Latency(offsetMS float64) (latency int64, ok bool) {
	if !p.received {
		return 0, false
	}
	raw := int64(p.ReceiveMS) - int64(p.Header.TimestampMS)
	return raw - int64(offsetMS), true
}

// IsOnTime reports whether the packet's latency is within its deadline.
// A packet not yet received is considered on-time (nothing to judge yet).
func (p Packet) IsOnTime(offsetMS float64) bool {
	lat, ok := p.Latency(offsetMS)
	if !ok {
		return true
	}
	return lat <= int64(p.Header.DeadlineMS)
}

// IsExpired reports whether now (ms, same clock as TimestampMS) is already
// past the packet's deadline.
func (p Packet) IsExpired(nowMS uint32) bool {
	elapsed := int64(nowMS) - int64(p.Header.TimestampMS)
	return elapsed > int64(p.Header.DeadlineMS)
}

// TimeToDeadline returns the remaining time to deadline at nowMS, floored at
// zero. It is snapshot once at enqueue by the scheduler and never recomputed.
func (p Packet) TimeToDeadline(nowMS uint32) int64 {
	elapsed := int64(nowMS) - int64(p.Header.TimestampMS)
	remaining := int64(p.Header.DeadlineMS) - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NewData constructs a DATA packet. deadlineMS, if zero, defaults to
// priority.DefaultDeadlineMS().
func NewData(payload []byte, priority Priority, sequence uint16, deadlineMS uint64, nowMS uint32) Packet {
	if deadlineMS == 0 {
		deadlineMS = priority.DefaultDeadlineMS()
	}
	return Packet{
		Header: Header{
			Version:       Version,
			Type:          Data,
			Priority:      priority,
			Sequence:      sequence,
			TimestampMS:   nowMS,
			DeadlineMS:    deadlineMS,
			PayloadLength: uint16(len(payload)),
		},
		Payload: payload,
	}
}

// NewAck constructs an ACK packet carrying the original sequence number.
func NewAck(sequence uint16, priority Priority, nowMS uint32) Packet {
	return Packet{
		Header: Header{
			Version:     Version,
			Type:        Ack,
			Priority:    priority,
			Sequence:    sequence,
			TimestampMS: nowMS,
		},
	}
}

// NewCongestion constructs a CONGESTION packet whose payload is a 32-bit
// big-endian float encoding level, clamped to [0,1].
func NewCongestion(level float32, nowMS uint32) Packet {
	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, math.Float32bits(level))
	return Packet{
		Header: Header{
			Version:       Version,
			Type:          Congestion,
			Priority:      Critical,
			TimestampMS:   nowMS,
			PayloadLength: 4,
		},
		Payload: payload,
	}
}

// CongestionLevel decodes the payload of a CONGESTION packet.
func CongestionLevel(p Packet) (float32, error) {
	if len(p.Payload) < 4 {
		return 0, fmt.Errorf("%w: congestion payload too short (%d bytes)", ErrMalformedHeader, len(p.Payload))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(p.Payload[:4])), nil
}
