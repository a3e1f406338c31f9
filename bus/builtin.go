package bus

import (
	"context"
	"fmt"
	"strings"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/signature"
)

// Built-in interface and member names.
const (
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	PeerInterface           = "org.freedesktop.DBus.Peer"
	BusInterface            = "org.freedesktop.DBus"

	nameOwnerChanged = "NameOwnerChanged"
)

const introspectHeader = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

var builtinInterfaces = map[string]*iface.Description{
	IntrospectableInterface: mustBuiltin(IntrospectableInterface, func(d *iface.Description) error {
		return d.AddMethod("Introspect", "", "s", "data", 0)
	}),
	PropertiesInterface: mustBuiltin(PropertiesInterface, func(d *iface.Description) error {
		if err := d.AddMethod("Get", "ss", "v", "interface,property,value", 0); err != nil {
			return err
		}
		if err := d.AddMethod("Set", "ssv", "", "interface,property,value", 0); err != nil {
			return err
		}
		return d.AddMethod("GetAll", "s", "a{sv}", "interface,values", 0)
	}),
	PeerInterface: mustBuiltin(PeerInterface, func(d *iface.Description) error {
		return d.AddMethod("Ping", "", "", "", 0)
	}),
	BusInterface: mustBuiltin(BusInterface, func(d *iface.Description) error {
		return d.AddSignal(nameOwnerChanged, "sss", "name,old_owner,new_owner", 0)
	}),
}

func mustBuiltin(name string, build func(*iface.Description) error) *iface.Description {
	d, err := iface.New(name)
	if err != nil {
		panic(err)
	}
	if err := build(d); err != nil {
		panic(err)
	}
	if err := d.Activate(); err != nil {
		panic(err)
	}
	return d
}

// serveBuiltin answers calls on the built-in interfaces. The bool result
// reports whether the call was a built-in one.
func (a *Attachment) serveBuiltin(ctx context.Context, call *Call) ([]any, bool, error) {
	switch call.Interface {
	case PeerInterface:
		if call.Member == "Ping" {
			return nil, true, nil
		}
	case IntrospectableInterface:
		if call.Member == "Introspect" {
			xml, err := a.introspect(call.Path)
			return []any{xml}, true, err
		}
	case PropertiesInterface:
		obj := a.object(call.Path)
		if obj == nil {
			return nil, true, buserr.FromCode(buserr.ErrCodeNoSuchObject, buserr.WithMetadata("path", call.Path))
		}
		switch call.Member {
		case "Get":
			v, err := obj.getProperty(call.Args[0].(string), call.Args[1].(string))
			if err != nil {
				return nil, true, err
			}
			return []any{v}, true, nil
		case "Set":
			err := obj.setProperty(call.Args[0].(string), call.Args[1].(string), call.Args[2].(signature.Variant))
			return nil, true, err
		case "GetAll":
			all, err := obj.allProperties(call.Args[0].(string))
			if err != nil {
				return nil, true, err
			}
			return []any{signature.StringDict(all)}, true, nil
		}
	}
	return nil, false, nil
}

// builtinHandler adapts serveBuiltin to MethodHandler so it runs under
// runHandler.
func (a *Attachment) builtinHandler(ctx context.Context, call *Call) ([]any, error) {
	ret, _, err := a.serveBuiltin(ctx, call)
	return ret, err
}

// introspect renders the node document for path. A path with no object
// but with registered descendants is served as a placeholder node.
func (a *Attachment) introspect(path string) (string, error) {
	obj := a.object(path)
	children := a.children(path)
	if obj == nil && len(children) == 0 {
		return "", buserr.FromCode(buserr.ErrCodeNoSuchObject, buserr.WithMetadata("path", path))
	}

	var sb strings.Builder
	sb.WriteString(introspectHeader)
	sb.WriteString("<node>\n")
	if obj != nil {
		for _, d := range obj.descriptions() {
			sb.WriteString(d.Introspect(2))
		}
		for _, name := range []string{IntrospectableInterface, PropertiesInterface, PeerInterface} {
			sb.WriteString(builtinInterfaces[name].Introspect(2))
		}
	}
	for _, child := range children {
		fmt.Fprintf(&sb, "  <node name=\"%s\"/>\n", child)
	}
	sb.WriteString("</node>\n")
	return sb.String(), nil
}
