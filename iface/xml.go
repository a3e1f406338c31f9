package iface

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/signature"
)

// Introspect renders the description as an <interface> element indented by
// indent spaces.
func (d *Description) Introspect(indent int) string {
	in := strings.Repeat(" ", indent)
	var sb strings.Builder

	sb.WriteString(in + `<interface name="` + escape(d.name) + "\">\n")
	for _, m := range d.Members() {
		tag := m.Type.String()
		sb.WriteString(in + "  <" + tag + ` name="` + escape(m.Name) + "\">\n")

		names := m.ArgNames
		next := func() string {
			if len(names) == 0 {
				return ""
			}
			n := names[0]
			names = names[1:]
			return n
		}
		inTypes, _ := signature.Parse(m.Signature)
		for _, t := range inTypes {
			// signal arguments are always direction=out
			dir := "in"
			if m.Type == Signal {
				dir = "out"
			}
			writeArg(&sb, in+"    ", next(), t.String(), dir)
		}
		outTypes, _ := signature.Parse(m.ReturnSignature)
		for _, t := range outTypes {
			writeArg(&sb, in+"    ", next(), t.String(), "out")
		}
		writeAnnotations(&sb, in+"    ", m.Annotations)
		sb.WriteString(in + "  </" + tag + ">\n")
	}

	for _, p := range d.Properties() {
		sb.WriteString(in + `  <property name="` + escape(p.Name) + `" type="` + escape(p.Signature) +
			`" access="` + p.Access.String() + `"`)
		if len(p.Annotations) == 0 {
			sb.WriteString("/>\n")
			continue
		}
		sb.WriteString(">\n")
		writeAnnotations(&sb, in+"    ", p.Annotations)
		sb.WriteString(in + "  </property>\n")
	}

	d.mu.RLock()
	writeAnnotations(&sb, in+"  ", d.annotations)
	d.mu.RUnlock()

	sb.WriteString(in + "</interface>\n")
	return sb.String()
}

func writeArg(sb *strings.Builder, in, name, typ, dir string) {
	sb.WriteString(in + "<arg")
	if name != "" {
		sb.WriteString(` name="` + escape(name) + `"`)
	}
	sb.WriteString(` type="` + escape(typ) + `" direction="` + dir + "\"/>\n")
}

func writeAnnotations(sb *strings.Builder, in string, annotations map[string]string) {
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(in + `<annotation name="` + escape(k) + `" value="` + escape(annotations[k]) + "\"/>\n")
	}
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

type xmlNode struct {
	Name       string         `xml:"name,attr"`
	Interfaces []xmlInterface `xml:"interface"`
	Nodes      []xmlNode      `xml:"node"`
}

type xmlInterface struct {
	Name        string          `xml:"name,attr"`
	Methods     []xmlMember     `xml:"method"`
	Signals     []xmlMember     `xml:"signal"`
	Properties  []xmlProperty   `xml:"property"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlMember struct {
	Name        string          `xml:"name,attr"`
	Sessionless string          `xml:"sessionless,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

type xmlProperty struct {
	Name        string          `xml:"name,attr"`
	Type        string          `xml:"type,attr"`
	Access      string          `xml:"access,attr"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Node is a parsed <node> document: its interfaces and child node names.
type Node struct {
	Name       string
	Interfaces []*Description
	Children   []string
}

// ParseXML parses a <node> document or a bare <interface> element into
// activated descriptions. Interfaces of nested nodes are included.
func ParseXML(data []byte) ([]*Description, error) {
	node, err := ParseNode(data)
	if err != nil {
		return nil, err
	}
	return node.Interfaces, nil
}

// ParseNode parses an introspection document, keeping the child node names
// of the root.
func ParseNode(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, malformedXML("no root element")
		}
		if err != nil {
			return nil, malformedXML(err.Error())
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "node":
			var n xmlNode
			if err := dec.DecodeElement(&n, &start); err != nil {
				return nil, malformedXML(err.Error())
			}
			out := &Node{Name: n.Name}
			if err := collect(n, &out.Interfaces); err != nil {
				return nil, err
			}
			for _, c := range n.Nodes {
				if c.Name != "" {
					out.Children = append(out.Children, c.Name)
				}
			}
			return out, nil

		case "interface":
			var xi xmlInterface
			if err := dec.DecodeElement(&xi, &start); err != nil {
				return nil, malformedXML(err.Error())
			}
			d, err := fromXML(xi)
			if err != nil {
				return nil, err
			}
			return &Node{Interfaces: []*Description{d}}, nil

		default:
			return nil, malformedXML(fmt.Sprintf("unexpected root element <%s>", start.Name.Local))
		}
	}
}

func collect(n xmlNode, out *[]*Description) error {
	for _, xi := range n.Interfaces {
		d, err := fromXML(xi)
		if err != nil {
			return err
		}
		*out = append(*out, d)
	}
	for _, child := range n.Nodes {
		if err := collect(child, out); err != nil {
			return err
		}
	}
	return nil
}

func fromXML(xi xmlInterface) (*Description, error) {
	d, err := New(xi.Name)
	if err != nil {
		return nil, err
	}

	for _, xm := range xi.Methods {
		var in, out strings.Builder
		var names []string
		named := false
		// inputs first, then outputs, matching ArgNames order
		for _, a := range xm.Args {
			if a.Direction != "out" {
				in.WriteString(a.Type)
				names = append(names, a.Name)
				named = named || a.Name != ""
			}
		}
		for _, a := range xm.Args {
			if a.Direction == "out" {
				out.WriteString(a.Type)
				names = append(names, a.Name)
				named = named || a.Name != ""
			}
		}
		argNames := ""
		if named {
			argNames = strings.Join(names, ",")
		}
		if err := d.AddMethod(xm.Name, in.String(), out.String(), argNames, 0); err != nil {
			return nil, err
		}
		if err := addXMLAnnotations(d, xm.Name, xm.Annotations); err != nil {
			return nil, err
		}
	}

	for _, xm := range xi.Signals {
		var sig strings.Builder
		var names []string
		named := false
		for _, a := range xm.Args {
			sig.WriteString(a.Type)
			names = append(names, a.Name)
			named = named || a.Name != ""
		}
		argNames := ""
		if named {
			argNames = strings.Join(names, ",")
		}
		var flags Flags
		if xm.Sessionless == "true" {
			flags |= Sessionless
		}
		if err := d.AddSignal(xm.Name, sig.String(), argNames, flags); err != nil {
			return nil, err
		}
		if err := addXMLAnnotations(d, xm.Name, xm.Annotations); err != nil {
			return nil, err
		}
	}

	for _, xp := range xi.Properties {
		access, err := ParseAccess(xp.Access)
		if err != nil {
			return nil, err
		}
		if err := d.AddProperty(xp.Name, xp.Type, access); err != nil {
			return nil, err
		}
		for _, a := range xp.Annotations {
			if err := d.AddPropertyAnnotation(xp.Name, a.Name, a.Value); err != nil {
				return nil, err
			}
		}
	}

	for _, a := range xi.Annotations {
		if err := d.AddAnnotation(a.Name, a.Value); err != nil {
			return nil, err
		}
	}

	if err := d.Activate(); err != nil {
		return nil, err
	}
	return d, nil
}

func addXMLAnnotations(d *Description, member string, annotations []xmlAnnotation) error {
	for _, a := range annotations {
		if err := d.AddMemberAnnotation(member, a.Name, a.Value); err != nil {
			return err
		}
	}
	return nil
}

func malformedXML(reason string) error {
	return buserr.New(buserr.ErrCodeInvalidArgument, "introspection xml: "+reason)
}
