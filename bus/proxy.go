package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/signature"
)

// ReplyFunc receives the outcome of an asynchronous method call.
type ReplyFunc func(err error, ret []any)

// ProxyBusObject is the local handle on a remote object.
type ProxyBusObject struct {
	bus       *Attachment
	busName   string
	path      string
	sessionID session.ID

	mu       sync.RWMutex
	ifaces   map[string]*iface.Description
	children []string
}

// NewProxy creates a proxy for the object at path on busName. A non-zero
// sessionID routes calls inside that session.
func (a *Attachment) NewProxy(busName, path string, sessionID session.ID) (*ProxyBusObject, error) {
	if strings.TrimSpace(busName) == "" {
		return nil, buserr.New(buserr.ErrCodeInvalidName, "bus name is required")
	}
	if !isUniqueName(busName) {
		if err := iface.ValidateWellKnownName(busName); err != nil {
			return nil, err
		}
	}
	if !signature.ObjectPath(path).IsValid() {
		return nil, buserr.New(buserr.ErrCodeInvalidName, fmt.Sprintf("invalid object path %q", path))
	}
	return &ProxyBusObject{
		bus:       a,
		busName:   busName,
		path:      path,
		sessionID: sessionID,
		ifaces:    make(map[string]*iface.Description),
	}, nil
}

func (p *ProxyBusObject) BusName() string       { return p.busName }
func (p *ProxyBusObject) Path() string          { return p.path }
func (p *ProxyBusObject) SessionID() session.ID { return p.sessionID }

// AddInterface makes an activated interface callable through the proxy.
func (p *ProxyBusObject) AddInterface(desc *iface.Description) error {
	if desc == nil {
		return buserr.InvalidArgument("interface description is nil")
	}
	if !desc.IsActivated() {
		return buserr.InvalidState(fmt.Sprintf("interface %s is not activated", desc.Name()))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.ifaces[desc.Name()]; ok && !existing.Equal(desc) {
		return buserr.AlreadyExists(fmt.Sprintf("proxy already has a different %s", desc.Name()))
	}
	p.ifaces[desc.Name()] = desc
	return nil
}

// AddInterfaceByName adds an interface registered on the attachment.
func (p *ProxyBusObject) AddInterfaceByName(name string) error {
	desc, ok := p.bus.Interface(name)
	if !ok {
		return buserr.NotFound(fmt.Sprintf("interface %s is not registered", name))
	}
	return p.AddInterface(desc)
}

// Interfaces returns the names of the interfaces known to the proxy.
func (p *ProxyBusObject) Interfaces() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.ifaces))
	for name := range p.ifaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Children returns the child node names learned by Introspect.
func (p *ProxyBusObject) Children() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.children...)
}

func (p *ProxyBusObject) target(ifaceName, member string) (callTarget, error) {
	desc, ok := builtinInterfaces[ifaceName]
	if !ok {
		p.mu.RLock()
		desc, ok = p.ifaces[ifaceName]
		p.mu.RUnlock()
	}
	if !ok {
		return callTarget{}, buserr.NotFound(fmt.Sprintf("proxy %s has no interface %s", p.path, ifaceName))
	}
	m, ok := desc.Method(member)
	if !ok {
		return callTarget{}, buserr.FromCode(buserr.ErrCodeNoSuchMethod, buserr.WithMember(ifaceName, member))
	}
	return callTarget{
		dest:      p.busName,
		path:      p.path,
		sessionID: p.sessionID,
		iface:     ifaceName,
		member:    m,
	}, nil
}

// MethodCall calls a remote method and waits for the reply. A zero
// timeout uses the attachment default.
func (p *ProxyBusObject) MethodCall(ctx context.Context, ifaceName, member string, args []any, timeout time.Duration) ([]any, error) {
	t, err := p.target(ifaceName, member)
	if err != nil {
		return nil, err
	}
	return p.bus.methodCall(ctx, t, args, timeout)
}

// MethodCallAsync starts a call and returns immediately. Argument errors
// are returned directly; everything later reaches cb on the dispatch
// pool.
func (p *ProxyBusObject) MethodCallAsync(ifaceName, member string, args []any, cb ReplyFunc, timeout time.Duration) error {
	t, err := p.target(ifaceName, member)
	if err != nil {
		return err
	}
	if err := signature.CheckArgs(t.member.Signature, args); err != nil {
		return err
	}
	if _, err := p.bus.current(); err != nil {
		return err
	}
	go func() {
		ret, err := p.bus.methodCall(context.Background(), t, args, timeout)
		if cb != nil {
			p.bus.submit(func() { cb(err, ret) })
		}
	}()
	return nil
}

// GetProperty reads a remote property.
func (p *ProxyBusObject) GetProperty(ctx context.Context, ifaceName, property string) (signature.Variant, error) {
	ret, err := p.MethodCall(ctx, PropertiesInterface, "Get", []any{ifaceName, property}, 0)
	if err != nil {
		return signature.Variant{}, err
	}
	return ret[0].(signature.Variant), nil
}

// SetProperty writes a remote property. The value is typed from the
// property declaration when the proxy knows the interface.
func (p *ProxyBusObject) SetProperty(ctx context.Context, ifaceName, property string, value any) error {
	v, err := p.variantFor(ifaceName, property, value)
	if err != nil {
		return err
	}
	_, err = p.MethodCall(ctx, PropertiesInterface, "Set", []any{ifaceName, property, v}, 0)
	return err
}

func (p *ProxyBusObject) variantFor(ifaceName, property string, value any) (signature.Variant, error) {
	if v, ok := value.(signature.Variant); ok {
		return v, nil
	}
	p.mu.RLock()
	desc, ok := p.ifaces[ifaceName]
	p.mu.RUnlock()
	if ok {
		if prop, ok := desc.Property(property); ok {
			t, err := signature.ParseSingle(prop.Signature)
			if err != nil {
				return signature.Variant{}, err
			}
			if err := signature.Check(t, value); err != nil {
				return signature.Variant{}, buserr.InvalidArgument(fmt.Sprintf("property %s.%s: %v", ifaceName, property, err),
					buserr.WithMember(ifaceName, property))
			}
			return signature.Variant{Sig: prop.Signature, Value: value}, nil
		}
	}
	return signature.MakeVariant(value)
}

// GetAllProperties reads every readable property of an interface.
func (p *ProxyBusObject) GetAllProperties(ctx context.Context, ifaceName string) (map[string]signature.Variant, error) {
	ret, err := p.MethodCall(ctx, PropertiesInterface, "GetAll", []any{ifaceName}, 0)
	if err != nil {
		return nil, err
	}
	entries, _ := ret[0].([]any)
	out := make(map[string]signature.Variant, len(entries))
	for _, e := range entries {
		de, ok := e.(signature.DictEntry)
		if !ok {
			continue
		}
		k, _ := de.Key.(string)
		v, _ := de.Value.(signature.Variant)
		out[k] = v
	}
	return out, nil
}

// Introspect fetches the remote object's description and adds its
// interfaces to the proxy. Interfaces not yet registered on the
// attachment are registered there too.
func (p *ProxyBusObject) Introspect(ctx context.Context) error {
	ret, err := p.MethodCall(ctx, IntrospectableInterface, "Introspect", nil, 0)
	if err != nil {
		return err
	}
	node, err := iface.ParseNode([]byte(ret[0].(string)))
	if err != nil {
		return buserr.Wrap(err, "parsing introspection", buserr.WithPeer(p.busName))
	}

	for _, d := range node.Interfaces {
		if _, builtin := builtinInterfaces[d.Name()]; builtin {
			continue
		}
		use := d
		if registered, ok := p.bus.Interface(d.Name()); ok {
			if registered.Equal(d) {
				use = registered
			}
		} else if err := p.bus.RegisterInterface(d); err != nil {
			return err
		}
		if err := p.AddInterface(use); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.children = node.Children
	p.mu.Unlock()
	return nil
}

// Ping checks that the remote attachment answers.
func (p *ProxyBusObject) Ping(ctx context.Context) error {
	_, err := p.MethodCall(ctx, PeerInterface, "Ping", nil, 0)
	return err
}
