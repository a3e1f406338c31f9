package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/signature"
	"github.com/vinayprograms/peerbus/wire"
)

// MethodHandler serves one method. The returned values must match the
// member's return signature.
type MethodHandler func(ctx context.Context, call *Call) ([]any, error)

// Call is an inbound method call.
type Call struct {
	Sender    string
	SessionID session.ID
	Path      string
	Interface string
	Member    string
	Args      []any
	Message   *wire.Message
}

// PropertySetHook may veto a remote Set before the value is stored.
type PropertySetHook func(property string, value any) error

// BusObject is a local object exposed at a path.
type BusObject struct {
	path string

	mu        sync.RWMutex
	order     []string
	ifaces    map[string]*iface.Description
	handlers  map[string]MethodHandler
	props     map[string]map[string]signature.Variant
	setHooks  map[string]PropertySetHook
	announced map[string]bool
	bus       *Attachment
}

// NewBusObject creates an object for path.
func NewBusObject(path string) (*BusObject, error) {
	if !signature.ObjectPath(path).IsValid() {
		return nil, buserr.New(buserr.ErrCodeInvalidName, fmt.Sprintf("invalid object path %q", path))
	}
	return &BusObject{
		path:      path,
		ifaces:    make(map[string]*iface.Description),
		handlers:  make(map[string]MethodHandler),
		props:     make(map[string]map[string]signature.Variant),
		setHooks:  make(map[string]PropertySetHook),
		announced: make(map[string]bool),
	}, nil
}

// Path returns the object path.
func (o *BusObject) Path() string { return o.path }

// AddInterface adds an activated interface. It must be called before the
// object is registered.
func (o *BusObject) AddInterface(desc *iface.Description) error {
	if desc == nil {
		return buserr.InvalidArgument("interface description is nil")
	}
	if !desc.IsActivated() {
		return buserr.InvalidState(fmt.Sprintf("interface %s is not activated", desc.Name()))
	}
	if _, ok := builtinInterfaces[desc.Name()]; ok {
		return buserr.AlreadyExists(fmt.Sprintf("interface %s is built in", desc.Name()))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bus != nil {
		return buserr.InvalidState("object is already registered")
	}
	if _, ok := o.ifaces[desc.Name()]; ok {
		return buserr.AlreadyExists(fmt.Sprintf("object %s already implements %s", o.path, desc.Name()))
	}
	o.ifaces[desc.Name()] = desc
	o.order = append(o.order, desc.Name())
	return nil
}

// Implements reports whether the object carries the named interface.
func (o *BusObject) Implements(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.ifaces[name]
	return ok
}

// AddMethodHandler binds h to a method of one of the object's interfaces.
func (o *BusObject) AddMethodHandler(ifaceName, method string, h MethodHandler) error {
	if h == nil {
		return buserr.InvalidArgument("method handler is nil")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	desc, ok := o.ifaces[ifaceName]
	if !ok {
		return buserr.NotFound(fmt.Sprintf("object %s does not implement %s", o.path, ifaceName))
	}
	if _, ok := desc.Method(method); !ok {
		return buserr.NotFound(fmt.Sprintf("interface %s has no method %s", ifaceName, method),
			buserr.WithMember(ifaceName, method))
	}
	o.handlers[ifaceName+"."+method] = h
	return nil
}

// SetProperty stores a property value. The value must match the declared
// signature.
func (o *BusObject) SetProperty(ifaceName, property string, value any) error {
	p, err := o.declared(ifaceName, property)
	if err != nil {
		return err
	}
	if v, ok := value.(signature.Variant); ok && p.Signature != "v" {
		value = v.Value
	}
	t, err := signature.ParseSingle(p.Signature)
	if err != nil {
		return err
	}
	if err := signature.Check(t, value); err != nil {
		return buserr.InvalidArgument(fmt.Sprintf("property %s.%s: %v", ifaceName, property, err),
			buserr.WithMember(ifaceName, property))
	}
	o.store(ifaceName, property, signature.Variant{Sig: p.Signature, Value: value})
	return nil
}

// Property returns a stored property value.
func (o *BusObject) Property(ifaceName, property string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.props[ifaceName][property]
	return v.Value, ok
}

// OnPropertySet installs a hook consulted before remote writes to the
// interface's properties are stored.
func (o *BusObject) OnPropertySet(ifaceName string, hook PropertySetHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setHooks[ifaceName] = hook
}

// SetAnnounced marks an interface for inclusion in About announcements.
func (o *BusObject) SetAnnounced(ifaceName string, announced bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ifaces[ifaceName]; !ok {
		return buserr.NotFound(fmt.Sprintf("object %s does not implement %s", o.path, ifaceName))
	}
	o.announced[ifaceName] = announced
	return nil
}

// AnnouncedInterfaces returns the announced interface names, sorted.
func (o *BusObject) AnnouncedInterfaces() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []string
	for name, on := range o.announced {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (o *BusObject) descriptions() []*iface.Description {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*iface.Description, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.ifaces[name])
	}
	return out
}

func (o *BusObject) attach(a *Attachment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bus != nil && o.bus != a {
		return buserr.InvalidState(fmt.Sprintf("object %s is registered with another attachment", o.path))
	}
	o.bus = a
	return nil
}

func (o *BusObject) detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bus = nil
}

func (o *BusObject) attachment() (*Attachment, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.bus == nil {
		return nil, buserr.InvalidState(fmt.Sprintf("object %s is not registered", o.path))
	}
	return o.bus, nil
}

// lookup resolves a method and its handler.
func (o *BusObject) lookup(ifaceName, member string) (iface.Member, MethodHandler, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if ifaceName == "" {
		// Unqualified calls resolve against the first interface that has
		// the method.
		for _, name := range o.order {
			m, ok := o.ifaces[name].Method(member)
			if !ok {
				continue
			}
			h, ok := o.handlers[name+"."+member]
			if !ok {
				return m, nil, buserr.New(buserr.ErrCodeNoSuchMethod, "no handler bound", buserr.WithMember(name, member))
			}
			return m, h, nil
		}
		return iface.Member{}, nil, buserr.FromCode(buserr.ErrCodeNoSuchMethod, buserr.WithMember("", member))
	}
	desc, ok := o.ifaces[ifaceName]
	if !ok {
		return iface.Member{}, nil, buserr.FromCode(buserr.ErrCodeNoSuchMethod, buserr.WithMember(ifaceName, member))
	}
	m, ok := desc.Method(member)
	if !ok {
		return iface.Member{}, nil, buserr.FromCode(buserr.ErrCodeNoSuchMethod, buserr.WithMember(ifaceName, member))
	}
	h, ok := o.handlers[ifaceName+"."+member]
	if !ok {
		return m, nil, buserr.New(buserr.ErrCodeNoSuchMethod, "no handler bound", buserr.WithMember(ifaceName, member))
	}
	return m, h, nil
}

func (o *BusObject) declared(ifaceName, property string) (iface.Property, error) {
	o.mu.RLock()
	desc, ok := o.ifaces[ifaceName]
	o.mu.RUnlock()
	if !ok {
		return iface.Property{}, buserr.NotFound(fmt.Sprintf("object %s does not implement %s", o.path, ifaceName))
	}
	p, ok := desc.Property(property)
	if !ok {
		return iface.Property{}, buserr.NotFound(fmt.Sprintf("interface %s has no property %s", ifaceName, property),
			buserr.WithMember(ifaceName, property))
	}
	return p, nil
}

func (o *BusObject) store(ifaceName, property string, v signature.Variant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.props[ifaceName] == nil {
		o.props[ifaceName] = make(map[string]signature.Variant)
	}
	o.props[ifaceName][property] = v
}

func (o *BusObject) getProperty(ifaceName, property string) (signature.Variant, error) {
	p, err := o.declared(ifaceName, property)
	if err != nil {
		return signature.Variant{}, err
	}
	if !p.Readable() {
		return signature.Variant{}, buserr.InvalidArgument(fmt.Sprintf("property %s.%s is not readable", ifaceName, property),
			buserr.WithMember(ifaceName, property))
	}
	o.mu.RLock()
	v, ok := o.props[ifaceName][property]
	o.mu.RUnlock()
	if !ok {
		return signature.Variant{}, buserr.NotFound(fmt.Sprintf("property %s.%s has no value", ifaceName, property),
			buserr.WithMember(ifaceName, property))
	}
	return v, nil
}

func (o *BusObject) setProperty(ifaceName, property string, v signature.Variant) error {
	p, err := o.declared(ifaceName, property)
	if err != nil {
		return err
	}
	if !p.Writable() {
		return buserr.InvalidArgument(fmt.Sprintf("property %s.%s is read-only", ifaceName, property),
			buserr.WithMember(ifaceName, property))
	}
	if p.Signature != "v" && v.Sig != p.Signature {
		return buserr.InvalidArgument(fmt.Sprintf("property %s.%s has signature %s, got %s", ifaceName, property, p.Signature, v.Sig),
			buserr.WithMember(ifaceName, property))
	}

	o.mu.RLock()
	hook := o.setHooks[ifaceName]
	o.mu.RUnlock()
	value := v.Value
	if p.Signature == "v" {
		value = v
	}
	if hook != nil {
		if err := hook(property, value); err != nil {
			return err
		}
	}
	o.store(ifaceName, property, signature.Variant{Sig: p.Signature, Value: value})
	return nil
}

func (o *BusObject) allProperties(ifaceName string) (map[string]signature.Variant, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	desc, ok := o.ifaces[ifaceName]
	if !ok {
		return nil, buserr.NotFound(fmt.Sprintf("object %s does not implement %s", o.path, ifaceName))
	}
	out := make(map[string]signature.Variant)
	for _, p := range desc.Properties() {
		if !p.Readable() {
			continue
		}
		if v, ok := o.props[ifaceName][p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out, nil
}
