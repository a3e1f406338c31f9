package iface

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/signature"
)

// MemberType distinguishes methods from signals.
type MemberType int

const (
	MethodCall MemberType = iota + 1
	Signal
)

func (t MemberType) String() string {
	if t == Signal {
		return "signal"
	}
	return "method"
}

// Access is a property access mode.
type Access uint8

const (
	AccessRead      Access = 1
	AccessWrite     Access = 2
	AccessReadWrite Access = AccessRead | AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "readwrite"
	}
}

// ParseAccess converts an introspection access attribute.
func ParseAccess(s string) (Access, error) {
	switch s {
	case "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	case "readwrite":
		return AccessReadWrite, nil
	}
	return 0, buserr.New(buserr.ErrCodeInvalidArgument, fmt.Sprintf("unknown property access %q", s))
}

// Flags are shorthand member annotations.
type Flags uint8

const (
	NoReply Flags = 1 << iota
	Deprecated
	Sessionless
)

// Well-known annotation names.
const (
	AnnotationDeprecated  = "org.freedesktop.DBus.Deprecated"
	AnnotationNoReply     = "org.freedesktop.DBus.Method.NoReply"
	AnnotationSessionless = "org.alljoyn.Bus.Signal.Sessionless"
)

// Member is a method or signal declaration.
type Member struct {
	Type MemberType
	Name string
	// Signature is the input signature of a method or the argument
	// signature of a signal.
	Signature       string
	ReturnSignature string
	// ArgNames lists input then output argument names; entries may be empty.
	ArgNames    []string
	Annotations map[string]string
}

// NoReply reports whether callers should not expect a reply.
func (m Member) NoReply() bool {
	return m.Annotations[AnnotationNoReply] == "true"
}

// IsDeprecated reports the deprecated annotation.
func (m Member) IsDeprecated() bool {
	return m.Annotations[AnnotationDeprecated] == "true"
}

// IsSessionless reports whether a signal is emitted without a session.
func (m Member) IsSessionless() bool {
	return m.Annotations[AnnotationSessionless] == "true"
}

func (m Member) clone() Member {
	m.ArgNames = slices.Clone(m.ArgNames)
	m.Annotations = maps.Clone(m.Annotations)
	return m
}

func (m Member) equal(o Member) bool {
	return m.Type == o.Type && m.Name == o.Name && m.Signature == o.Signature &&
		m.ReturnSignature == o.ReturnSignature &&
		slices.Equal(m.ArgNames, o.ArgNames) &&
		maps.Equal(m.Annotations, o.Annotations)
}

// Property is a property declaration.
type Property struct {
	Name        string
	Signature   string
	Access      Access
	Annotations map[string]string
}

// Readable reports whether the property may be read.
func (p Property) Readable() bool { return p.Access&AccessRead != 0 }

// Writable reports whether the property may be written.
func (p Property) Writable() bool { return p.Access&AccessWrite != 0 }

func (p Property) clone() Property {
	p.Annotations = maps.Clone(p.Annotations)
	return p
}

func (p Property) equal(o Property) bool {
	return p.Name == o.Name && p.Signature == o.Signature && p.Access == o.Access &&
		maps.Equal(p.Annotations, o.Annotations)
}

// Description is a named interface contract. It is mutable until Activate
// and immutable afterwards.
type Description struct {
	mu          sync.RWMutex
	name        string
	members     map[string]*Member
	properties  map[string]*Property
	annotations map[string]string
	activated   bool
}

// New creates an empty, unactivated description.
func New(name string) (*Description, error) {
	if err := ValidateInterfaceName(name); err != nil {
		return nil, err
	}
	return &Description{
		name:        name,
		members:     make(map[string]*Member),
		properties:  make(map[string]*Property),
		annotations: make(map[string]string),
	}, nil
}

// Name returns the interface name.
func (d *Description) Name() string {
	return d.name
}

// AddMethod declares a method. argNames is a comma separated list covering
// input then output arguments, or empty.
func (d *Description) AddMethod(name, inSig, outSig, argNames string, flags Flags) error {
	return d.addMember(MethodCall, name, inSig, outSig, argNames, flags)
}

// AddSignal declares a signal.
func (d *Description) AddSignal(name, sig, argNames string, flags Flags) error {
	return d.addMember(Signal, name, sig, "", argNames, flags)
}

func (d *Description) addMember(typ MemberType, name, inSig, outSig, argNames string, flags Flags) error {
	if err := ValidateMemberName(name); err != nil {
		return err
	}
	m := Member{
		Type:            typ,
		Name:            name,
		Signature:       inSig,
		ReturnSignature: outSig,
		ArgNames:        splitArgNames(argNames),
		Annotations:     make(map[string]string),
	}
	if flags&NoReply != 0 && typ == MethodCall {
		m.Annotations[AnnotationNoReply] = "true"
	}
	if flags&Deprecated != 0 {
		m.Annotations[AnnotationDeprecated] = "true"
	}
	if flags&Sessionless != 0 && typ == Signal {
		m.Annotations[AnnotationSessionless] = "true"
	}
	if err := validateMember(d.name, m); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return d.activatedErr()
	}
	if _, exists := d.members[name]; exists {
		return d.memberExists(name)
	}
	if _, exists := d.properties[name]; exists {
		return d.memberExists(name)
	}
	d.members[name] = &m
	return nil
}

// AddProperty declares a property.
func (d *Description) AddProperty(name, sig string, access Access) error {
	if err := ValidateMemberName(name); err != nil {
		return err
	}
	if _, err := signature.ParseSingle(sig); err != nil {
		return err
	}
	if access == 0 || access > AccessReadWrite {
		return buserr.New(buserr.ErrCodeInvalidArgument, fmt.Sprintf("property %s: invalid access %d", name, access))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return d.activatedErr()
	}
	if _, exists := d.properties[name]; exists {
		return d.memberExists(name)
	}
	if _, exists := d.members[name]; exists {
		return d.memberExists(name)
	}
	d.properties[name] = &Property{Name: name, Signature: sig, Access: access, Annotations: make(map[string]string)}
	return nil
}

// AddAnnotation sets an interface annotation. Re-adding the same value is
// allowed; a different value is an error.
func (d *Description) AddAnnotation(name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return d.activatedErr()
	}
	return putAnnotation(d.annotations, name, value)
}

// AddMemberAnnotation sets an annotation on a method or signal.
func (d *Description) AddMemberAnnotation(member, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return d.activatedErr()
	}
	m, ok := d.members[member]
	if !ok {
		return buserr.NotFound(fmt.Sprintf("interface %s has no member %s", d.name, member))
	}
	return putAnnotation(m.Annotations, name, value)
}

// AddPropertyAnnotation sets an annotation on a property.
func (d *Description) AddPropertyAnnotation(property, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return d.activatedErr()
	}
	p, ok := d.properties[property]
	if !ok {
		return buserr.NotFound(fmt.Sprintf("interface %s has no property %s", d.name, property))
	}
	return putAnnotation(p.Annotations, name, value)
}

func putAnnotation(m map[string]string, name, value string) error {
	if old, ok := m[name]; ok && old != value {
		return buserr.AlreadyExists(fmt.Sprintf("annotation %s already set to %q", name, old))
	}
	m[name] = value
	return nil
}

// Annotation returns an interface annotation.
func (d *Description) Annotation(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.annotations[name]
	return v, ok
}

// Activate validates the description and freezes it. Activating twice is
// a no-op.
func (d *Description) Activate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return nil
	}
	for _, m := range d.members {
		if err := validateMember(d.name, *m); err != nil {
			return err
		}
	}
	for _, p := range d.properties {
		if _, err := signature.ParseSingle(p.Signature); err != nil {
			return err
		}
	}
	d.activated = true
	return nil
}

// IsActivated reports whether the description is frozen.
func (d *Description) IsActivated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activated
}

// Member returns a copy of the named method or signal.
func (d *Description) Member(name string) (Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[name]
	if !ok {
		return Member{}, false
	}
	return m.clone(), true
}

// Method returns the named method.
func (d *Description) Method(name string) (Member, bool) {
	m, ok := d.Member(name)
	if !ok || m.Type != MethodCall {
		return Member{}, false
	}
	return m, true
}

// Signal returns the named signal.
func (d *Description) Signal(name string) (Member, bool) {
	m, ok := d.Member(name)
	if !ok || m.Type != Signal {
		return Member{}, false
	}
	return m, true
}

// Property returns the named property.
func (d *Description) Property(name string) (Property, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.properties[name]
	if !ok {
		return Property{}, false
	}
	return p.clone(), true
}

// Methods returns all methods sorted by name.
func (d *Description) Methods() []Member {
	return d.membersOf(MethodCall)
}

// Signals returns all signals sorted by name.
func (d *Description) Signals() []Member {
	return d.membersOf(Signal)
}

// Members returns methods and signals sorted by name.
func (d *Description) Members() []Member {
	return d.membersOf(0)
}

func (d *Description) membersOf(typ MemberType) []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Member
	for _, m := range d.members {
		if typ == 0 || m.Type == typ {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Properties returns all properties sorted by name.
func (d *Description) Properties() []Property {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Property, 0, len(d.properties))
	for _, p := range d.properties {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Equal reports structural equality: same name, members, properties and
// annotations. Activation state is not compared.
func (d *Description) Equal(o *Description) bool {
	if d == o {
		return true
	}
	if d == nil || o == nil || d.name != o.name {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(d.members) != len(o.members) || len(d.properties) != len(o.properties) {
		return false
	}
	if !maps.Equal(d.annotations, o.annotations) {
		return false
	}
	for name, m := range d.members {
		om, ok := o.members[name]
		if !ok || !m.equal(*om) {
			return false
		}
	}
	for name, p := range d.properties {
		op, ok := o.properties[name]
		if !ok || !p.equal(*op) {
			return false
		}
	}
	return true
}

func (d *Description) activatedErr() error {
	return buserr.New(buserr.ErrCodeInterfaceActivated,
		fmt.Sprintf("interface %s is activated", d.name))
}

func (d *Description) memberExists(name string) error {
	return buserr.New(buserr.ErrCodeMemberExists,
		fmt.Sprintf("interface %s already has member %s", d.name, name))
}

func splitArgNames(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func validateMember(ifaceName string, m Member) error {
	in, err := signature.Parse(m.Signature)
	if err != nil {
		return err
	}
	out, err := signature.Parse(m.ReturnSignature)
	if err != nil {
		return err
	}
	if m.ArgNames != nil && len(m.ArgNames) != len(in)+len(out) {
		return buserr.New(buserr.ErrCodeInvalidArgument,
			fmt.Sprintf("%s.%s: %d argument names for %d arguments", ifaceName, m.Name, len(m.ArgNames), len(in)+len(out)))
	}
	return nil
}
