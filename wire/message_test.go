package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/session"
)

func sampleCall(t *testing.T) *Message {
	t.Helper()
	m := &Message{
		Type:        TypeMethodCall,
		Serial:      7,
		SessionID:   99,
		Interface:   "org.example.Chat",
		Member:      "Send",
		Path:        "/chat",
		Sender:      ":abc.1",
		Destination: ":def.2",
		Trace:       map[string]string{"traceparent": "00-abc-def-01"},
	}
	require.NoError(t, m.SetArgs("ss", []any{"bob", "hello"}))
	return m
}

func TestEncodeDecode(t *testing.T) {
	m := sampleCall(t)
	data, err := Encode(m, DefaultLimits())
	require.NoError(t, err)

	got, err := Decode(data, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	args, err := got.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{"bob", "hello"}, args)
}

func TestEncodeDecode_AllTypes(t *testing.T) {
	tests := []*Message{
		{Type: TypeMethodReturn, ReplySerial: 3, Sender: ":a.1"},
		{Type: TypeError, ReplySerial: 3, ErrorName: "HANDLER_FAULT", Body: []byte(`{}`)},
		{Type: TypeSignal, Flags: FlagSessionless | FlagBroadcast, Interface: "a.b", Member: "S", Path: "/"},
		{Type: TypeControl, Member: ControlLeave, Body: []byte(`{"session_id":1,"member":":a.1"}`)},
	}
	for _, m := range tests {
		t.Run(m.Type.String(), func(t *testing.T) {
			data, err := Encode(m, DefaultLimits())
			require.NoError(t, err)
			got, err := Decode(data, DefaultLimits())
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	good, err := Encode(sampleCall(t), DefaultLimits())
	require.NoError(t, err)

	corrupt := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return fn(b)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:10]},
		{"bad magic", corrupt(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"bad version", corrupt(func(b []byte) []byte { b[2] = 9; return b })},
		{"bad type", corrupt(func(b []byte) []byte { b[3] = 0; return b })},
		{"body length mismatch", corrupt(func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[20:24], 1)
			return b
		})},
		{"truncated", good[:len(good)-3]},
		{"trailing", append(append([]byte(nil), good...), 1, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, DefaultLimits())
			require.Error(t, err)
			assert.True(t, buserr.IsProtocol(err), "got %v", err)
		})
	}
}

func TestDecode_MissingRequiredFields(t *testing.T) {
	tests := []*Message{
		{Type: TypeMethodCall, Member: "M"},
		{Type: TypeSignal, Path: "/", Member: "S"},
		{Type: TypeMethodReturn},
		{Type: TypeError, ReplySerial: 1},
		{Type: TypeControl},
	}
	for _, m := range tests {
		t.Run(m.Type.String(), func(t *testing.T) {
			data, err := Encode(m, DefaultLimits())
			require.NoError(t, err)
			_, err = Decode(data, DefaultLimits())
			assert.True(t, buserr.IsProtocol(err))
		})
	}
}

func TestDecode_BadSignatureCarriesSender(t *testing.T) {
	m := &Message{Type: TypeSignal, Interface: "a.b", Member: "S", Path: "/", Sender: ":bad.1", Signature: "a{"}
	data, err := Encode(m, DefaultLimits())
	require.NoError(t, err)

	_, err = Decode(data, DefaultLimits())
	require.Error(t, err)
	busErr := buserr.AsBusError(err)
	require.NotNil(t, busErr)
	assert.Equal(t, ":bad.1", err.(*buserr.Error).Peer())
}

func TestLimits(t *testing.T) {
	limits := Limits{MaxBodyBytes: 4, MaxFieldBytes: 8}
	_, err := Encode(&Message{Type: TypeControl, Member: "X", Body: []byte("12345")}, limits)
	assert.Error(t, err)

	_, err = Encode(&Message{Type: TypeControl, Member: "much-too-long"}, limits)
	assert.Error(t, err)

	data, err := Encode(&Message{Type: TypeControl, Member: "X", Body: []byte("12345")}, DefaultLimits())
	require.NoError(t, err)
	_, err = Decode(data, limits)
	assert.Error(t, err)
}

func TestControlPayloads(t *testing.T) {
	req := JoinRequest{Port: 42, Opts: session.DefaultOpts(), Joiner: ":j.1"}
	msg, err := NewControl(ControlJoinRequest, req)
	require.NoError(t, err)
	assert.Equal(t, TypeControl, msg.Type)
	assert.Equal(t, ControlJoinRequest, msg.Member)

	got, err := DecodePayload[JoinRequest](msg.Body)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = NewControl(ControlJoinRequest, JoinRequest{Joiner: ":j.1"})
	assert.Error(t, err, "port is required")

	_, err = DecodePayload[JoinReply]([]byte(`{"status":"accepted","members":[":a.1",":b.1"]}`))
	assert.Error(t, err, "accepted replies carry a session id")

	_, err = DecodePayload[JoinReply]([]byte(`{"status":"maybe"}`))
	assert.Error(t, err)

	_, err = DecodePayload[MemberChange]([]byte(`not json`))
	assert.True(t, buserr.IsProtocol(err))
}

func TestAnnouncementImplements(t *testing.T) {
	a := Announcement{
		UniqueName: ":a.1",
		Objects: []ObjectDescription{
			{Path: "/chat", Interfaces: []string{"org.example.Chat"}},
			{Path: "/about", Interfaces: []string{"org.alljoyn.About", "org.example.Icon"}},
		},
	}
	assert.True(t, a.Implements(nil))
	assert.True(t, a.Implements([]string{"org.example.Chat", "org.example.Icon"}))
	assert.False(t, a.Implements([]string{"org.example.Chat", "org.example.Missing"}))
}

func TestAdvertisementValidate(t *testing.T) {
	ok := Advertisement{Name: "org.example.chat", GUID: "g", UniqueName: ":a.1"}
	assert.NoError(t, ok.Validate())

	_, err := EncodePayload(Advertisement{Name: "org.example.chat"})
	assert.Error(t, err)
}
