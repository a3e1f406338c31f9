package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserr "github.com/vinayprograms/peerbus/errors"
)

func TestCheckArgs_StringPair(t *testing.T) {
	tests := []struct {
		name string
		args []any
		ok   bool
	}{
		{"two strings", []any{"a", "b"}, true},
		{"one argument", []any{"a"}, false},
		{"three arguments", []any{"a", "b", "c"}, false},
		{"non-string second", []any{"a", int32(1)}, false},
		{"nil argument", []any{"a", nil}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckArgs("ss", tt.args)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidArgument), "got %v", err)
			assert.True(t, buserr.IsConfiguration(err))
		})
	}
}

func TestCheckArgs_BadSignature(t *testing.T) {
	err := CheckArgs("a", []any{[]any{}})
	require.Error(t, err)
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidSignature))
}

func TestCheck_Containers(t *testing.T) {
	tests := []struct {
		name string
		sig  string
		v    any
		ok   bool
	}{
		{"byte array", "ay", []byte("hi"), true},
		{"string slice", "as", []string{"a"}, true},
		{"string slice for ints", "ai", []string{"a"}, false},
		{"generic array", "ai", []any{int32(1), int32(2)}, true},
		{"generic array wrong elem", "ai", []any{int32(1), "x"}, false},
		{"struct", "(is)", Struct{int32(1), "x"}, true},
		{"struct as slice", "(is)", []any{int32(1), "x"}, true},
		{"struct arity", "(is)", Struct{int32(1)}, false},
		{"dict", "a{sv}", StringDict(map[string]Variant{"k": {Sig: "i", Value: int32(3)}}), true},
		{"dict wrong entry", "a{sv}", []any{"k"}, false},
		{"variant", "v", Variant{Sig: "as", Value: []string{"x"}}, true},
		{"variant mismatch", "v", Variant{Sig: "i", Value: "x"}, false},
		{"variant bad sig", "v", Variant{Sig: "ii", Value: int32(1)}, false},
		{"object path", "o", ObjectPath("/chat"), true},
		{"object path from string", "o", "/chat", true},
		{"bad object path", "o", ObjectPath("chat"), false},
		{"signature value", "g", Signature("a{sv}"), true},
		{"bad signature value", "g", Signature("a{"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, err := ParseSingle(tt.sig)
			require.NoError(t, err)
			err = Check(typ, tt.v)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		v    any
		want string
	}{
		{uint8(1), "y"},
		{true, "b"},
		{int16(1), "n"},
		{uint16(1), "q"},
		{int32(1), "i"},
		{uint32(1), "u"},
		{int64(1), "x"},
		{uint64(1), "t"},
		{1.5, "d"},
		{"s", "s"},
		{ObjectPath("/"), "o"},
		{Signature("s"), "g"},
		{Variant{Sig: "s", Value: "x"}, "v"},
		{[]byte{1}, "ay"},
		{[]string{"a"}, "as"},
		{Struct{int32(1), "x"}, "(is)"},
		{[]any{DictEntry{Key: "k", Value: int32(1)}}, "a{si}"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := SignatureOf(tt.v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignatureOf_Rejects(t *testing.T) {
	for _, v := range []any{1, []any{}, []any{int32(1), "x"}, map[string]string{}} {
		_, err := SignatureOf(v)
		assert.Error(t, err, "%T should be rejected", v)
	}
}

func TestMakeVariant(t *testing.T) {
	v, err := MakeVariant(int32(7))
	require.NoError(t, err)
	assert.Equal(t, Variant{Sig: "i", Value: int32(7)}, v)
	assert.Equal(t, "<i 7>", v.String())
}

func TestStringDictIsSorted(t *testing.T) {
	entries := StringDict(map[string]string{"b": "2", "a": "1", "c": "3"})
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].(DictEntry).Key)
	assert.Equal(t, "c", entries[2].(DictEntry).Key)
}
