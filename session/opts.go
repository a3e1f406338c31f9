package session

import (
	"fmt"
	"strings"
)

// Traffic is a bitmask of traffic types.
type Traffic uint8

const (
	TrafficMessages      Traffic = 0x01
	TrafficRawUnreliable Traffic = 0x02
	TrafficRawReliable   Traffic = 0x04
)

// Proximity is a bitmask of allowed proximities.
type Proximity uint8

const (
	ProximityPhysical Proximity = 0x01
	ProximityNetwork  Proximity = 0x02
	ProximityAny      Proximity = 0xff
)

// TransportMask is a bitmask of transports.
type TransportMask uint16

const (
	TransportNone  TransportMask = 0x0000
	TransportLocal TransportMask = 0x0001
	TransportTCP   TransportMask = 0x0004
	TransportUDP   TransportMask = 0x0100
	TransportAny   TransportMask = 0xffff
)

func (m TransportMask) String() string {
	if m == TransportAny {
		return "any"
	}
	var parts []string
	if m&TransportLocal != 0 {
		parts = append(parts, "local")
	}
	if m&TransportTCP != 0 {
		parts = append(parts, "tcp")
	}
	if m&TransportUDP != 0 {
		parts = append(parts, "udp")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0x%04x", uint16(m))
	}
	return strings.Join(parts, "|")
}

// Opts are the negotiable options of a session.
type Opts struct {
	Traffic    Traffic       `json:"traffic"`
	Multipoint bool          `json:"multipoint"`
	Proximity  Proximity     `json:"proximity"`
	Transports TransportMask `json:"transports"`
}

// DefaultOpts returns message traffic, point-to-point, any proximity and
// any transport.
func DefaultOpts() Opts {
	return Opts{
		Traffic:    TrafficMessages,
		Multipoint: false,
		Proximity:  ProximityAny,
		Transports: TransportAny,
	}
}

// normalized fills unset fields: no traffic means messages, and an
// empty proximity or transport mask means any.
func (o Opts) normalized() Opts {
	if o.Traffic == 0 {
		o.Traffic = TrafficMessages
	}
	if o.Proximity == 0 {
		o.Proximity = ProximityAny
	}
	if o.Transports == TransportNone {
		o.Transports = TransportAny
	}
	return o
}

// IsCompatible requires overlapping transports, traffic and proximity.
// Multipoint does not affect compatibility.
func (o Opts) IsCompatible(other Opts) bool {
	a, b := o.normalized(), other.normalized()
	return a.Transports&b.Transports != 0 &&
		a.Traffic&b.Traffic != 0 &&
		a.Proximity&b.Proximity != 0
}

// Negotiate returns the options both sides agree on. The host's multipoint
// setting wins.
func (o Opts) Negotiate(joiner Opts) Opts {
	a, b := o.normalized(), joiner.normalized()
	return Opts{
		Traffic:    a.Traffic & b.Traffic,
		Multipoint: a.Multipoint,
		Proximity:  a.Proximity & b.Proximity,
		Transports: a.Transports & b.Transports,
	}
}

func (o Opts) String() string {
	return fmt.Sprintf("traffic=0x%02x multipoint=%t proximity=0x%02x transports=%s",
		uint8(o.Traffic), o.Multipoint, uint8(o.Proximity), o.Transports)
}
