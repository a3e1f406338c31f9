package iface

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserr "github.com/vinayprograms/peerbus/errors"
)

func chatInterface(t *testing.T) *Description {
	t.Helper()
	d, err := New("org.example.Chat")
	require.NoError(t, err)
	require.NoError(t, d.AddMethod("Send", "ss", "b", "to,text,delivered", 0))
	require.NoError(t, d.AddMethod("Poke", "", "", "", NoReply))
	require.NoError(t, d.AddSignal("Chat", "s", "text", 0))
	require.NoError(t, d.AddSignal("Presence", "a{sv}", "", Sessionless|Deprecated))
	require.NoError(t, d.AddProperty("Topic", "s", AccessReadWrite))
	require.NoError(t, d.AddProperty("Members", "as", AccessRead))
	require.NoError(t, d.AddAnnotation("org.example.Version", "2"))
	return d
}

func TestNew_InvalidName(t *testing.T) {
	for _, name := range []string{"", "chat", "org..chat", "org.1chat", "org.ch-at", strings.Repeat("a.", 200) + "b"} {
		_, err := New(name)
		require.Error(t, err, name)
		assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidName), name)
	}
}

func TestAddMember_Errors(t *testing.T) {
	d := chatInterface(t)

	err := d.AddMethod("Send", "s", "", "", 0)
	assert.True(t, buserr.Is(err, buserr.ErrCodeMemberExists))

	err = d.AddSignal("Send", "s", "", 0)
	assert.True(t, buserr.Is(err, buserr.ErrCodeMemberExists), "methods and signals share a namespace")

	err = d.AddProperty("Topic", "s", AccessRead)
	assert.True(t, buserr.Is(err, buserr.ErrCodeMemberExists))

	err = d.AddMethod("Bad", "a{", "", "", 0)
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidSignature))

	err = d.AddMethod("9Bad", "", "", "", 0)
	assert.True(t, buserr.Is(err, buserr.ErrCodeInvalidName))

	err = d.AddMethod("Names", "ss", "", "only-one", 0)
	assert.True(t, buserr.IsConfiguration(err))

	err = d.AddProperty("Multi", "ss", AccessRead)
	assert.Error(t, err, "properties hold exactly one complete type")
}

func TestActivate_Freezes(t *testing.T) {
	d := chatInterface(t)
	require.NoError(t, d.Activate())
	assert.True(t, d.IsActivated())
	require.NoError(t, d.Activate(), "activating twice is a no-op")

	tests := []struct {
		name string
		fn   func() error
	}{
		{"method", func() error { return d.AddMethod("Late", "", "", "", 0) }},
		{"signal", func() error { return d.AddSignal("Late", "", "", 0) }},
		{"property", func() error { return d.AddProperty("Late", "s", AccessRead) }},
		{"annotation", func() error { return d.AddAnnotation("x.y", "z") }},
		{"member annotation", func() error { return d.AddMemberAnnotation("Send", "x.y", "z") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.True(t, buserr.Is(err, buserr.ErrCodeInterfaceActivated))
		})
	}
}

func TestAnnotations(t *testing.T) {
	d := chatInterface(t)
	require.NoError(t, d.AddAnnotation("org.example.Version", "2"), "same value is allowed")
	err := d.AddAnnotation("org.example.Version", "3")
	assert.True(t, buserr.Is(err, buserr.ErrCodeAlreadyExists))

	err = d.AddMemberAnnotation("Missing", "a.b", "c")
	assert.True(t, buserr.Is(err, buserr.ErrCodeNotFound))

	v, ok := d.Annotation("org.example.Version")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestMemberLookup(t *testing.T) {
	d := chatInterface(t)

	send, ok := d.Method("Send")
	require.True(t, ok)
	assert.Equal(t, "ss", send.Signature)
	assert.Equal(t, "b", send.ReturnSignature)
	assert.Equal(t, []string{"to", "text", "delivered"}, send.ArgNames)

	poke, _ := d.Method("Poke")
	assert.True(t, poke.NoReply())

	_, ok = d.Method("Chat")
	assert.False(t, ok, "Chat is a signal")

	presence, ok := d.Signal("Presence")
	require.True(t, ok)
	assert.True(t, presence.IsSessionless())
	assert.True(t, presence.IsDeprecated())

	topic, ok := d.Property("Topic")
	require.True(t, ok)
	assert.True(t, topic.Readable())
	assert.True(t, topic.Writable())

	assert.Len(t, d.Methods(), 2)
	assert.Len(t, d.Signals(), 2)
	assert.Len(t, d.Members(), 4)
	assert.Equal(t, "Members", d.Properties()[0].Name)
}

func TestMemberCopiesAreIndependent(t *testing.T) {
	d := chatInterface(t)
	m, _ := d.Method("Send")
	m.ArgNames[0] = "changed"
	m.Annotations["x"] = "y"

	again, _ := d.Method("Send")
	assert.Equal(t, "to", again.ArgNames[0])
	assert.NotContains(t, again.Annotations, "x")
}

func TestEqual(t *testing.T) {
	a := chatInterface(t)
	b := chatInterface(t)
	assert.True(t, a.Equal(b))

	require.NoError(t, b.AddMethod("Extra", "", "", "", 0))
	assert.False(t, a.Equal(b))

	c, err := New("org.example.Other")
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestValidateWellKnownName(t *testing.T) {
	for _, ok := range []string{"org.example.chat", "com.acme.Device-1", "org._x.2"} {
		assert.NoError(t, ValidateWellKnownName(ok), ok)
	}
	for _, bad := range []string{"", "chat", ":1.2", "1org.x", "org..x", "org.x y"} {
		assert.Error(t, ValidateWellKnownName(bad), bad)
	}
}

func TestParseAccess(t *testing.T) {
	for _, a := range []Access{AccessRead, AccessWrite, AccessReadWrite} {
		got, err := ParseAccess(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAccess("rw")
	assert.Error(t, err)
}
