package iface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntrospect_Format(t *testing.T) {
	d := chatInterface(t)
	require.NoError(t, d.Activate())

	xml := d.Introspect(2)
	assert.Contains(t, xml, `  <interface name="org.example.Chat">`)
	assert.Contains(t, xml, `<method name="Send">`)
	assert.Contains(t, xml, `<arg name="to" type="s" direction="in"/>`)
	assert.Contains(t, xml, `<arg name="delivered" type="b" direction="out"/>`)
	assert.Contains(t, xml, `<arg name="text" type="s" direction="out"/>`, "signal args are direction=out")
	assert.Contains(t, xml, `<arg type="a{sv}" direction="out"/>`)
	assert.Contains(t, xml, `<property name="Topic" type="s" access="readwrite"/>`)
	assert.Contains(t, xml, `<annotation name="org.freedesktop.DBus.Method.NoReply" value="true"/>`)
	assert.Contains(t, xml, `<annotation name="org.example.Version" value="2"/>`)
}

func TestIntrospect_RoundTrip(t *testing.T) {
	d := chatInterface(t)
	require.NoError(t, d.AddPropertyAnnotation("Members", "org.example.Hint", "sorted"))
	require.NoError(t, d.AddMethod("Partial", "ii", "", "a,", 0))
	require.NoError(t, d.Activate())

	parsed, err := ParseXML([]byte("<node>\n" + d.Introspect(2) + "</node>"))
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	got := parsed[0]
	assert.True(t, got.IsActivated())
	assert.True(t, d.Equal(got), "introspection must round-trip:\n%s\n---\n%s", d.Introspect(0), got.Introspect(0))

	for _, m := range d.Members() {
		gm, ok := got.Member(m.Name)
		require.True(t, ok, m.Name)
		assert.Equal(t, m.Signature, gm.Signature, m.Name)
		assert.Equal(t, m.ReturnSignature, gm.ReturnSignature, m.Name)
		assert.Equal(t, m.ArgNames, gm.ArgNames, m.Name)
	}
}

func TestParseXML_BareInterface(t *testing.T) {
	doc := `<interface name="org.example.Echo">
  <method name="Ping">
    <arg name="in" type="s" direction="in"/>
    <arg name="out" type="s" direction="out"/>
  </method>
  <signal name="Heard" sessionless="true">
    <arg type="s"/>
  </signal>
</interface>`
	parsed, err := ParseXML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	ping, ok := parsed[0].Method("Ping")
	require.True(t, ok)
	assert.Equal(t, "s", ping.Signature)
	assert.Equal(t, "s", ping.ReturnSignature)

	heard, ok := parsed[0].Signal("Heard")
	require.True(t, ok)
	assert.True(t, heard.IsSessionless())
	assert.Nil(t, heard.ArgNames)
}

func TestParseNode_Children(t *testing.T) {
	doc := `<node name="/chat">
  <interface name="org.example.A"><method name="M"/></interface>
  <node name="room1"/>
  <node name="room2">
    <interface name="org.example.B"><method name="N"/></interface>
  </node>
</node>`
	node, err := ParseNode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "/chat", node.Name)
	assert.Equal(t, []string{"room1", "room2"}, node.Children)
	assert.Len(t, node.Interfaces, 2)
}

func TestParseXML_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "",
		"wrong root":    `<foo/>`,
		"bad name":      `<interface name="nodots"/>`,
		"bad signature": `<interface name="a.b"><method name="M"><arg type="a{" direction="in"/></method></interface>`,
		"bad access":    `<interface name="a.b"><property name="P" type="s" access="rw"/></interface>`,
		"duplicate":     `<interface name="a.b"><method name="M"/><signal name="M"/></interface>`,
		"truncated":     `<node><interface name="a.b">`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseXML([]byte(doc))
			assert.Error(t, err)
		})
	}
}
