package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/session"
)

// Control message kinds, carried in the Member field of TypeControl
// messages.
const (
	ControlJoinRequest   = "JoinRequest"
	ControlJoinReply     = "JoinReply"
	ControlLeave         = "Leave"
	ControlMemberAdded   = "MemberAdded"
	ControlMemberRemoved = "MemberRemoved"
	ControlSessionLost   = "SessionLost"
)

// Payload is a control or discovery body that can check itself.
type Payload interface {
	Validate() error
}

// JoinStatus is the outcome of a join request.
type JoinStatus string

const (
	JoinAccepted     JoinStatus = "accepted"
	JoinRejected     JoinStatus = "rejected"
	JoinNoSuchPort   JoinStatus = "no_such_port"
	JoinIncompatible JoinStatus = "incompatible_opts"
)

// JoinRequest asks a host to admit Joiner on Port.
type JoinRequest struct {
	Port   session.Port `json:"port"`
	Opts   session.Opts `json:"opts"`
	Joiner string       `json:"joiner"`
}

func (r JoinRequest) Validate() error {
	if r.Port == session.PortAny {
		return invalidPayload(ControlJoinRequest, "missing port")
	}
	if strings.TrimSpace(r.Joiner) == "" {
		return invalidPayload(ControlJoinRequest, "missing joiner")
	}
	return nil
}

// JoinReply answers a JoinRequest. Members is the full member list after
// admission, host included.
type JoinReply struct {
	Status    JoinStatus   `json:"status"`
	SessionID session.ID   `json:"session_id,omitempty"`
	Opts      session.Opts `json:"opts"`
	Members   []string     `json:"members,omitempty"`
	Message   string       `json:"message,omitempty"`
}

func (r JoinReply) Validate() error {
	switch r.Status {
	case JoinAccepted:
		if r.SessionID == session.InvalidID {
			return invalidPayload(ControlJoinReply, "accepted without session id")
		}
		if len(r.Members) < 2 {
			return invalidPayload(ControlJoinReply, "accepted with fewer than two members")
		}
	case JoinRejected, JoinNoSuchPort, JoinIncompatible:
	default:
		return invalidPayload(ControlJoinReply, fmt.Sprintf("invalid status %q", r.Status))
	}
	return nil
}

// MemberChange announces that Member joined or left SessionID. It is used
// for Leave, MemberAdded and MemberRemoved.
type MemberChange struct {
	SessionID session.ID `json:"session_id"`
	Member    string     `json:"member"`
}

func (c MemberChange) Validate() error {
	if c.SessionID == session.InvalidID {
		return invalidPayload("MemberChange", "missing session id")
	}
	if strings.TrimSpace(c.Member) == "" {
		return invalidPayload("MemberChange", "missing member")
	}
	return nil
}

// SessionLost tells a member that the host ended the session.
type SessionLost struct {
	SessionID session.ID         `json:"session_id"`
	Reason    session.LostReason `json:"reason"`
}

func (l SessionLost) Validate() error {
	if l.SessionID == session.InvalidID {
		return invalidPayload(ControlSessionLost, "missing session id")
	}
	return nil
}

// NewControl builds a control message carrying payload as JSON.
func NewControl(kind string, payload Payload) (*Message, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, buserr.Malformed(fmt.Sprintf("encoding %s: %v", kind, err))
	}
	return &Message{Type: TypeControl, Member: kind, Body: body}, nil
}

// DecodePayload unmarshals and validates a JSON payload.
func DecodePayload[T Payload](data []byte) (T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return p, buserr.Malformed(fmt.Sprintf("decoding %T: %v", p, err))
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// EncodePayload validates and marshals a JSON payload.
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, buserr.Malformed(fmt.Sprintf("encoding %T: %v", p, err))
	}
	return data, nil
}

func invalidPayload(kind, reason string) error {
	return buserr.Malformed(fmt.Sprintf("%s: %s", kind, reason))
}
