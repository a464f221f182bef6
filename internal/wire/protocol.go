// Package wire defines the binary frame header and JSON control messages
// exchanged between an archetype child process and a connected client.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Archetype tags the four synthetic household users.
type Archetype string

const (
	Gamer       Archetype = "gamer"
	VideoCaller Archetype = "video_caller"
	Streamer    Archetype = "streamer"
	Bulk        Archetype = "bulk"
)

// Archetypes lists all valid archetype tags in a stable order.
var Archetypes = []Archetype{Gamer, VideoCaller, Streamer, Bulk}

// Valid reports whether a is one of the four recognized archetypes.
func (a Archetype) Valid() bool {
	for _, known := range Archetypes {
		if a == known {
			return true
		}
	}
	return false
}

// Direction marks which way a binary frame travels.
type Direction uint8

const (
	DirectionDown Direction = 0
	DirectionUp   Direction = 1
)

// FrameKind distinguishes payload frames from probe/control frames carried
// in the binary channel (most control messages are JSON text frames, but
// the probe reply piggybacks the binary header for latency accounting in
// some client implementations).
type FrameKind uint8

const (
	KindPayload FrameKind = 0
	KindProbe   FrameKind = 1
)

// HeaderSize is the fixed 12-byte header preceding every binary payload
// frame: seq:u32, send_ts:u32 (ms truncated to uint32, wraps every ~49
// days — acceptable for a session capped at 300s), direction:u8, kind:u8,
// size:u16. A 16-byte variant appends a trailing aux:u32 for
// archetype-specific metadata (e.g. gamer shot-fired markers);
// HeaderSize16 covers that.
const (
	HeaderSize   = 12
	HeaderSize16 = 16
)

// Header is the decoded form of a binary frame's fixed header.
type Header struct {
	Seq       uint32
	SendTSMs  uint32
	Direction Direction
	Kind      FrameKind
	Size      uint16
	Aux       uint32 // only meaningful when Wide is true
	Wide      bool
}

// wideFlag marks the kind byte of a frame carrying the 16-byte header;
// the low bits remain the FrameKind.
const wideFlag = 0x80

// Encode writes the header (12 or 16 bytes depending on h.Wide) followed
// by payload into a freshly-sized buffer.
func (h Header) Encode(payload []byte) []byte {
	n := HeaderSize
	kind := byte(h.Kind)
	if h.Wide {
		n = HeaderSize16
		kind |= wideFlag
	}
	buf := make([]byte, n+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.SendTSMs)
	buf[8] = byte(h.Direction)
	buf[9] = kind
	binary.BigEndian.PutUint16(buf[10:12], h.Size)
	if h.Wide {
		binary.BigEndian.PutUint32(buf[12:16], h.Aux)
	}
	copy(buf[n:], payload)
	return buf
}

// DecodeHeader parses the fixed header from a binary frame, returning the
// header and the payload slice (a view into buf, not a copy).
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("wire: frame too short: %d bytes", len(buf))
	}
	h := Header{
		Seq:       binary.BigEndian.Uint32(buf[0:4]),
		SendTSMs:  binary.BigEndian.Uint32(buf[4:8]),
		Direction: Direction(buf[8]),
		Kind:      FrameKind(buf[9] &^ wideFlag),
		Size:      binary.BigEndian.Uint16(buf[10:12]),
	}
	rest := buf[HeaderSize:]
	if buf[9]&wideFlag != 0 {
		if len(buf) < HeaderSize16 {
			return Header{}, nil, fmt.Errorf("wire: wide frame too short: %d bytes", len(buf))
		}
		h.Wide = true
		h.Aux = binary.BigEndian.Uint32(buf[12:16])
		rest = buf[HeaderSize16:]
	}
	return h, rest, nil
}

// RequestUpload is the server->client JSON control frame asking the
// client to upload a given number of bytes by a deadline.
type RequestUpload struct {
	Type       string `json:"type"`
	Bytes      int64  `json:"bytes"`
	DeadlineMs int64  `json:"deadline_ms"`
	Seq        uint32 `json:"seq"`
}

// NewRequestUpload builds a request_upload control message.
func NewRequestUpload(bytes int64, deadlineMs int64, seq uint32) RequestUpload {
	return RequestUpload{Type: "request_upload", Bytes: bytes, DeadlineMs: deadlineMs, Seq: seq}
}

// ConnectionTest is the server->client probe and its client->server reply.
type ConnectionTest struct {
	Type    string `json:"type"`
	ProbeID string `json:"probe_id"`
}

func NewConnectionTest(probeID string) ConnectionTest {
	return ConnectionTest{Type: "connection_test", ProbeID: probeID}
}

type ConnectionTestReply struct {
	Type    string `json:"type"`
	ProbeID string `json:"probe_id"`
}

// Stats is a periodic metric snapshot, sent in either direction.
type Stats struct {
	Type            string  `json:"type"`
	SessionID       string  `json:"session_id,omitempty"`
	BytesSentDown   int64   `json:"bytes_sent_down"`
	BytesReqUp      int64   `json:"bytes_requested_up"`
	BytesRecvUp     int64   `json:"bytes_received_up"`
	EffDownMbps     float64 `json:"effective_down_mbps"`
	EffUpMbps       float64 `json:"effective_up_mbps"`
	TimestampUnixMs int64   `json:"ts_ms"`
}

// RedirectDescriptor is the JSON payload returned by
// GET /ws/virtual-household/{archetype_tag} on the supervisor.
type RedirectDescriptor struct {
	Archetype string `json:"archetype"`
	Port      int    `json:"port"`
	Scheme    string `json:"scheme"`
}

// PingResponse answers GET /ping.
type PingResponse struct {
	ServerTimestampMs int64 `json:"server_timestamp_ms"`
	ClientTimestampMs int64 `json:"client_timestamp_ms"`
}

// TerminationReason enumerates why a session was moved to terminal, used
// both in the `stats` report and in close-frame reasons.
type TerminationReason string

const (
	ReasonInactive    TerminationReason = "inactive"
	ReasonExpired     TerminationReason = "expired"
	ReasonUnreachable TerminationReason = "unreachable"
	ReasonClosed      TerminationReason = "closed"
	ReasonSendError   TerminationReason = "send_error"
	ReasonProtocol    TerminationReason = "protocol_violation"
)
