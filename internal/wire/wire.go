// Package wire implements the rstream framing codec: a small JSON header
// followed immediately by an opaque payload of the length named in the
// header. The JSON dialect is minimal: maps, arrays, and quoted scalars
// only. Numeric fields travel as quoted strings; the parser accepts bare
// numbers too.
package wire

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/buger/jsonparser"

	"github.com/rstream/rstream/internal/iobuf"
)

// MaxHeaderLen bounds the header size. A buffer holding this many bytes
// with no closing brace is not a valid message.
const MaxHeaderLen = 256

// Request verbs.
const (
	CmdList   = "LIST"
	CmdStream = "STREAM"
	CmdBlock  = "BLOCK" // reserved
)

// Packet kinds.
const (
	PacketList        = "l"  // full list
	PacketListPartial = "lp" // partial list
	PacketBlock       = "b"  // file bytes at an offset
	PacketStatus      = "s"  // stream status
)

// Stream status codes carried in the st field.
const (
	StatusError      = 0 // malformed or unknown request
	StatusOK         = 1 // LIST acknowledged
	StatusInProgress = 2
	StatusComplete   = 3
	StatusFail       = 4
)

// Header is the decoded framing header. Offset, Size and Status use -1 for
// "field absent"; a zero on the wire is meaningful for all three.
type Header struct {
	Cmd    string // request verb
	Packet string // response/push packet kind
	Path   string // file path relative to the shared root
	Offset int64  // byte offset
	Size   int64  // payload length in bytes
	Status int    // stream state code
	Gzip   bool   // payload is gzip-compressed
	Hash   string // SHA-1 of file content, hex
}

// NewHeader returns a header with all optional fields marked absent.
func NewHeader() Header {
	return Header{Offset: -1, Size: -1, Status: -1}
}

// PayloadLen returns the payload length named by the header.
func (h *Header) PayloadLen() int {
	if h.Size < 0 {
		return 0
	}
	return int(h.Size)
}

// Message is one decoded frame.
type Message struct {
	Header  Header
	Payload []byte
}

// Encode serializes the header. Field order is fixed so that encoded
// headers are stable for tests and logs.
func (h *Header) Encode() []byte {
	var b bytes.Buffer
	b.WriteByte('{')
	first := true
	field := func(key, val string) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteByte('"')
		b.WriteString(key)
		b.WriteString(`":"`)
		writeEscaped(&b, val)
		b.WriteByte('"')
	}
	if h.Cmd != "" {
		field("cmd", h.Cmd)
	}
	if h.Packet != "" {
		field("p", h.Packet)
	}
	if h.Path != "" {
		field("f", h.Path)
	}
	if h.Offset >= 0 {
		field("o", strconv.FormatInt(h.Offset, 10))
	}
	if h.Size >= 0 {
		field("s", strconv.FormatInt(h.Size, 10))
	}
	if h.Status >= 0 {
		field("st", strconv.Itoa(h.Status))
	}
	if h.Gzip {
		field("z", "1")
	}
	if h.Hash != "" {
		field("c", h.Hash)
	}
	b.WriteByte('}')
	return b.Bytes()
}

// EncodeMessage frames a header plus payload, fixing up the s field to the
// payload length.
func EncodeMessage(h Header, payload []byte) []byte {
	if len(payload) > 0 {
		h.Size = int64(len(payload))
	}
	out := h.Encode()
	return append(out, payload...)
}

// ParseHeader decodes a header from exactly one JSON object.
func ParseHeader(data []byte) (Header, error) {
	h := NewHeader()
	err := jsonparser.ObjectEach(data, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		switch string(key) {
		case "cmd":
			h.Cmd = string(value)
		case "p":
			h.Packet = string(value)
		case "f":
			h.Path = unescape(value)
		case "o":
			n, err := parseInt(value)
			if err != nil {
				return fmt.Errorf("field o: %w", err)
			}
			h.Offset = n
		case "s":
			n, err := parseInt(value)
			if err != nil {
				return fmt.Errorf("field s: %w", err)
			}
			h.Size = n
		case "st":
			n, err := parseInt(value)
			if err != nil {
				return fmt.Errorf("field st: %w", err)
			}
			h.Status = int(n)
		case "z":
			h.Gzip = string(value) == "1"
		case "c":
			h.Hash = string(value)
		}
		return nil
	})
	if err != nil {
		return h, fmt.Errorf("parse header: %w", err)
	}
	return h, nil
}

// Decode extracts the next complete message from buf. It returns (nil, nil)
// when the buffer does not yet hold a whole message, leaving the buffered
// bytes intact.
func Decode(buf *iobuf.Buffer) (*Message, error) {
	pending := buf.Peek()
	end := bytes.IndexByte(pending, '}')
	if end < 0 {
		if len(pending) > MaxHeaderLen {
			return nil, fmt.Errorf("no header terminator in %d bytes", len(pending))
		}
		return nil, nil
	}
	if end+1 > MaxHeaderLen {
		return nil, fmt.Errorf("header exceeds %d bytes", MaxHeaderLen)
	}

	raw := buf.Get(end + 1)
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	msg := &Message{Header: h}
	if n := h.PayloadLen(); n > 0 {
		if buf.Len() < n {
			// Payload still in flight; unget the header and wait.
			buf.PushFront(raw)
			return nil, nil
		}
		msg.Payload = buf.Get(n)
	}
	return msg, nil
}

func parseInt(value []byte) (int64, error) {
	return strconv.ParseInt(string(value), 10, 64)
}

func writeEscaped(b *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteByte(s[i])
		}
	}
}

func unescape(v []byte) string {
	if !bytes.ContainsRune(v, '\\') {
		return string(v)
	}
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
		}
		out = append(out, v[i])
	}
	return string(out)
}
