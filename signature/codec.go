package signature

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/valyala/bytebufferpool"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// maxVariantDepth bounds variants nested inside variants on decode.
const maxVariantDepth = 64

// Marshal validates args against sig and encodes them.
func Marshal(sig string, args []any) ([]byte, error) {
	types, err := Parse(sig)
	if err != nil {
		return nil, err
	}
	if err := checkArgs(sig, types, args); err != nil {
		return nil, err
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for i, t := range types {
		encode(buf, t, args[i])
	}
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// encode assumes v already passed Check against t.
func encode(buf *bytebufferpool.ByteBuffer, t Type, v any) {
	switch t.Code {
	case Byte:
		buf.B = append(buf.B, v.(uint8))
	case Boolean:
		if v.(bool) {
			buf.B = append(buf.B, 1)
		} else {
			buf.B = append(buf.B, 0)
		}
	case Int16:
		buf.B = binary.BigEndian.AppendUint16(buf.B, uint16(v.(int16)))
	case Uint16:
		buf.B = binary.BigEndian.AppendUint16(buf.B, v.(uint16))
	case Int32:
		buf.B = binary.BigEndian.AppendUint32(buf.B, uint32(v.(int32)))
	case Uint32:
		buf.B = binary.BigEndian.AppendUint32(buf.B, v.(uint32))
	case Int64:
		buf.B = binary.BigEndian.AppendUint64(buf.B, uint64(v.(int64)))
	case Uint64:
		buf.B = binary.BigEndian.AppendUint64(buf.B, v.(uint64))
	case Double:
		buf.B = binary.BigEndian.AppendUint64(buf.B, math.Float64bits(v.(float64)))
	case String:
		putString(buf, v.(string))
	case Path:
		p, _ := asPath(v)
		putString(buf, string(p))
	case Sig:
		s, _ := asSig(v)
		putSig(buf, string(s))
	case VariantCode:
		vv := v.(Variant)
		putSig(buf, vv.Sig)
		inner, _ := ParseSingle(vv.Sig)
		encode(buf, inner, vv.Value)
	case Array:
		switch items := v.(type) {
		case []byte:
			buf.B = binary.BigEndian.AppendUint32(buf.B, uint32(len(items)))
			buf.B = append(buf.B, items...)
		case []string:
			buf.B = binary.BigEndian.AppendUint32(buf.B, uint32(len(items)))
			for _, s := range items {
				putString(buf, s)
			}
		case []any:
			buf.B = binary.BigEndian.AppendUint32(buf.B, uint32(len(items)))
			for _, item := range items {
				encode(buf, *t.Elem, item)
			}
		}
	case StructOpen:
		fields, _ := asFields(v)
		for i, f := range t.Fields {
			encode(buf, f, fields[i])
		}
	case DictOpen:
		e := v.(DictEntry)
		encode(buf, t.Fields[0], e.Key)
		encode(buf, t.Fields[1], e.Value)
	}
}

func putString(buf *bytebufferpool.ByteBuffer, s string) {
	buf.B = binary.BigEndian.AppendUint32(buf.B, uint32(len(s)))
	buf.B = append(buf.B, s...)
}

func putSig(buf *bytebufferpool.ByteBuffer, s string) {
	buf.B = append(buf.B, byte(len(s)))
	buf.B = append(buf.B, s...)
}

// Unmarshal decodes data according to sig. "ay" decodes to []byte, other
// arrays to []any. Trailing bytes are an error.
func Unmarshal(sig string, data []byte) ([]any, error) {
	types, err := Parse(sig)
	if err != nil {
		return nil, err
	}
	d := decoder{data: data}
	out := make([]any, 0, len(types))
	for _, t := range types {
		v, err := d.decode(t, 0)
		if err != nil {
			return nil, buserr.New(buserr.ErrCodeMalformed,
				fmt.Sprintf("decoding %q: %v", sig, err), buserr.WithCause(err))
		}
		out = append(out, v)
	}
	if d.pos != len(data) {
		return nil, buserr.Malformed(fmt.Sprintf("decoding %q: %d trailing bytes", sig, len(data)-d.pos))
	}
	return out, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.pos < n {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d", n, d.pos, len(d.data)-d.pos)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) sig() (string, error) {
	b, err := d.take(1)
	if err != nil {
		return "", err
	}
	s, err := d.take(int(b[0]))
	if err != nil {
		return "", err
	}
	return string(s), nil
}

func (d *decoder) decode(t Type, variantDepth int) (any, error) {
	switch t.Code {
	case Byte:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case Boolean:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		if b[0] > 1 {
			return nil, fmt.Errorf("invalid boolean %d", b[0])
		}
		return b[0] == 1, nil
	case Int16:
		v, err := d.u16()
		return int16(v), err
	case Uint16:
		return d.u16()
	case Int32:
		v, err := d.u32()
		return int32(v), err
	case Uint32:
		return d.u32()
	case Int64:
		v, err := d.u64()
		return int64(v), err
	case Uint64:
		return d.u64()
	case Double:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case String:
		return d.str()
	case Path:
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid object path %q", s)
		}
		return p, nil
	case Sig:
		s, err := d.sig()
		if err != nil {
			return nil, err
		}
		if err := Validate(s); err != nil {
			return nil, err
		}
		return Signature(s), nil
	case VariantCode:
		if variantDepth >= maxVariantDepth {
			return nil, fmt.Errorf("variant nesting deeper than %d", maxVariantDepth)
		}
		s, err := d.sig()
		if err != nil {
			return nil, err
		}
		inner, err := ParseSingle(s)
		if err != nil {
			return nil, err
		}
		v, err := d.decode(inner, variantDepth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: s, Value: v}, nil
	case Array:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		// every encoded element is at least one byte
		if int(n) > len(d.data)-d.pos {
			return nil, fmt.Errorf("array count %d exceeds remaining %d bytes", n, len(d.data)-d.pos)
		}
		if t.Elem.Code == Byte {
			b, err := d.take(int(n))
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), b...), nil
		}
		items := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.decode(*t.Elem, variantDepth)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case StructOpen:
		fields := make(Struct, 0, len(t.Fields))
		for _, f := range t.Fields {
			v, err := d.decode(f, variantDepth)
			if err != nil {
				return nil, err
			}
			fields = append(fields, v)
		}
		return fields, nil
	case DictOpen:
		k, err := d.decode(t.Fields[0], variantDepth)
		if err != nil {
			return nil, err
		}
		v, err := d.decode(t.Fields[1], variantDepth)
		if err != nil {
			return nil, err
		}
		return DictEntry{Key: k, Value: v}, nil
	}
	return nil, fmt.Errorf("unsupported type %q", t.String())
}
