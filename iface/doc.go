// Package iface holds interface descriptions: named contracts of methods,
// signals and properties with typed signatures. A description is mutable
// until Activate and immutable afterwards; Introspect and ParseXML convert
// it to and from introspection XML.
package iface
