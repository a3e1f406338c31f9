package wire

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/valyala/bytebufferpool"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/signature"
)

const (
	// HeaderLen is the size of the fixed header.
	HeaderLen = 24
	// Version is the envelope version written by Encode.
	Version byte = 1

	magic0 byte = 'P'
	magic1 byte = 'B'
)

// Type is the message kind.
type Type uint8

const (
	TypeMethodCall Type = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
	TypeControl
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	case TypeControl:
		return "control"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Flags modify delivery.
type Flags uint8

const (
	FlagNoReplyExpected Flags = 0x01
	FlagSessionless     Flags = 0x02
	FlagBroadcast       Flags = 0x04
)

type fieldID uint8

const (
	fieldInterface fieldID = iota + 1
	fieldMember
	fieldPath
	fieldSender
	fieldDestination
	fieldSignature
	fieldErrorName
	fieldTrace
)

// Limits constrains decode memory use.
type Limits struct {
	MaxBodyBytes  int
	MaxFieldBytes int
}

// DefaultLimits returns 8 MiB bodies and 64 KiB header fields.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:  8 * 1024 * 1024,
		MaxFieldBytes: 64 * 1024,
	}
}

// Message is one envelope.
type Message struct {
	Type        Type
	Flags       Flags
	Serial      uint32
	ReplySerial uint32
	SessionID   uint32

	Interface   string
	Member      string
	Path        string
	Sender      string
	Destination string
	Signature   string
	ErrorName   string
	// Trace carries propagated trace context.
	Trace map[string]string

	Body []byte
}

// Args decodes the body according to the message signature.
func (m *Message) Args() ([]any, error) {
	return signature.Unmarshal(m.Signature, m.Body)
}

// SetArgs validates and encodes args as the body.
func (m *Message) SetArgs(sig string, args []any) error {
	body, err := signature.Marshal(sig, args)
	if err != nil {
		return err
	}
	m.Signature = sig
	m.Body = body
	return nil
}

// Encode serializes m.
func Encode(m *Message, limits Limits) ([]byte, error) {
	if len(m.Body) > limits.MaxBodyBytes {
		return nil, buserr.Malformed(fmt.Sprintf("body of %d bytes exceeds %d", len(m.Body), limits.MaxBodyBytes))
	}
	if m.Type < TypeMethodCall || m.Type > TypeControl {
		return nil, buserr.Malformed(fmt.Sprintf("unknown message type %d", m.Type))
	}

	fields := []struct {
		id  fieldID
		val string
	}{
		{fieldInterface, m.Interface},
		{fieldMember, m.Member},
		{fieldPath, m.Path},
		{fieldSender, m.Sender},
		{fieldDestination, m.Destination},
		{fieldSignature, m.Signature},
		{fieldErrorName, m.ErrorName},
		{fieldTrace, encodeTrace(m.Trace)},
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B, magic0, magic1, Version, byte(m.Type), byte(m.Flags), 0, 0, 0)
	buf.B = binary.BigEndian.AppendUint32(buf.B, m.Serial)
	buf.B = binary.BigEndian.AppendUint32(buf.B, m.ReplySerial)
	buf.B = binary.BigEndian.AppendUint32(buf.B, m.SessionID)
	buf.B = binary.BigEndian.AppendUint32(buf.B, uint32(len(m.Body)))

	var count byte
	for _, f := range fields {
		if f.val != "" {
			count++
		}
	}
	buf.B = append(buf.B, count)
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		if len(f.val) > limits.MaxFieldBytes || len(f.val) > 0xffff {
			return nil, buserr.Malformed(fmt.Sprintf("header field %d of %d bytes too large", f.id, len(f.val)))
		}
		buf.B = append(buf.B, byte(f.id))
		buf.B = binary.BigEndian.AppendUint16(buf.B, uint16(len(f.val)))
		buf.B = append(buf.B, f.val...)
	}
	buf.B = append(buf.B, m.Body...)

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// Decode parses one envelope. Errors are MALFORMED protocol errors; when
// the sender field could be read it is attached as the error's peer.
func Decode(data []byte, limits Limits) (*Message, error) {
	if len(data) < HeaderLen+1 {
		return nil, buserr.Malformed(fmt.Sprintf("short message: %d bytes", len(data)))
	}
	if data[0] != magic0 || data[1] != magic1 {
		return nil, buserr.Malformed("bad magic")
	}
	if data[2] != Version {
		return nil, buserr.Malformed(fmt.Sprintf("unsupported version %d", data[2]))
	}

	m := &Message{
		Type:        Type(data[3]),
		Flags:       Flags(data[4]),
		Serial:      binary.BigEndian.Uint32(data[8:12]),
		ReplySerial: binary.BigEndian.Uint32(data[12:16]),
		SessionID:   binary.BigEndian.Uint32(data[16:20]),
	}
	if m.Type < TypeMethodCall || m.Type > TypeControl {
		return nil, buserr.Malformed(fmt.Sprintf("unknown message type %d", data[3]))
	}
	bodyLen := int(binary.BigEndian.Uint32(data[20:24]))
	if bodyLen > limits.MaxBodyBytes {
		return nil, buserr.Malformed(fmt.Sprintf("body of %d bytes exceeds %d", bodyLen, limits.MaxBodyBytes))
	}

	pos := HeaderLen
	count := int(data[pos])
	pos++
	var trace string
	for i := 0; i < count; i++ {
		if len(data)-pos < 3 {
			return nil, m.malformed("truncated header field")
		}
		id := fieldID(data[pos])
		n := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3
		if n > limits.MaxFieldBytes {
			return nil, m.malformed(fmt.Sprintf("header field %d of %d bytes too large", id, n))
		}
		if len(data)-pos < n {
			return nil, m.malformed("truncated header field value")
		}
		val := string(data[pos : pos+n])
		pos += n

		switch id {
		case fieldInterface:
			m.Interface = val
		case fieldMember:
			m.Member = val
		case fieldPath:
			m.Path = val
		case fieldSender:
			m.Sender = val
		case fieldDestination:
			m.Destination = val
		case fieldSignature:
			m.Signature = val
		case fieldErrorName:
			m.ErrorName = val
		case fieldTrace:
			trace = val
		default:
			// unknown fields are skipped for forward compatibility
		}
	}

	if len(data)-pos != bodyLen {
		return nil, m.malformed(fmt.Sprintf("body length %d does not match %d remaining bytes", bodyLen, len(data)-pos))
	}
	if bodyLen > 0 {
		m.Body = append([]byte(nil), data[pos:]...)
	}
	if trace != "" {
		m.Trace = decodeTrace(trace)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// validate checks the fields each message type requires.
func (m *Message) validate() error {
	if m.Signature != "" {
		if err := signature.Validate(m.Signature); err != nil {
			return m.malformed(err.Error())
		}
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return m.malformed("method call without path or member")
		}
	case TypeSignal:
		if m.Path == "" || m.Member == "" || m.Interface == "" {
			return m.malformed("signal without path, interface or member")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return m.malformed("method return without reply serial")
		}
	case TypeError:
		if m.ReplySerial == 0 || m.ErrorName == "" {
			return m.malformed("error without reply serial or error name")
		}
	case TypeControl:
		if m.Member == "" {
			return m.malformed("control message without kind")
		}
	}
	return nil
}

func (m *Message) malformed(reason string) error {
	return buserr.Malformed(reason, buserr.WithPeer(m.Sender))
}

func encodeTrace(t map[string]string) string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(t[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

func decodeTrace(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if ok && k != "" {
			out[k] = v
		}
	}
	return out
}
