package wire

import (
	"strings"

	"github.com/vinayprograms/peerbus/session"
)

// Advertisement is the discovery broadcast for one advertised name.
type Advertisement struct {
	Name          string                `json:"name"`
	TransportMask session.TransportMask `json:"transport_mask"`
	GUID          string                `json:"guid"`
	UniqueName    string                `json:"unique_name"`
	// TTLSeconds is how long receivers keep the record without a refresh.
	TTLSeconds uint32 `json:"ttl_seconds"`
	// Lost marks a cancellation.
	Lost bool `json:"lost,omitempty"`
}

func (a Advertisement) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return invalidPayload("Advertisement", "missing name")
	}
	if strings.TrimSpace(a.UniqueName) == "" {
		return invalidPayload("Advertisement", "missing unique_name")
	}
	if strings.TrimSpace(a.GUID) == "" {
		return invalidPayload("Advertisement", "missing guid")
	}
	return nil
}

// ObjectDescription lists the announced interfaces of one object.
type ObjectDescription struct {
	Path       string   `json:"path"`
	Interfaces []string `json:"interfaces"`
}

// Announcement is the About announcement of one attachment.
type Announcement struct {
	UniqueName string              `json:"unique_name"`
	Version    uint16              `json:"version"`
	Port       session.Port        `json:"port"`
	Objects    []ObjectDescription `json:"objects"`
	AboutData  map[string]string   `json:"about_data,omitempty"`
	TTLSeconds uint32              `json:"ttl_seconds"`
	// Lost marks a withdrawn announcement.
	Lost bool `json:"lost,omitempty"`
}

func (a Announcement) Validate() error {
	if strings.TrimSpace(a.UniqueName) == "" {
		return invalidPayload("Announcement", "missing unique_name")
	}
	for _, o := range a.Objects {
		if o.Path == "" {
			return invalidPayload("Announcement", "object without path")
		}
	}
	return nil
}

// Implements reports whether the announced objects together carry every
// listed interface. An empty list matches any announcement.
func (a Announcement) Implements(ifaces []string) bool {
	if len(ifaces) == 0 {
		return true
	}
	have := make(map[string]bool)
	for _, o := range a.Objects {
		for _, i := range o.Interfaces {
			have[i] = true
		}
	}
	for _, want := range ifaces {
		if !have[want] {
			return false
		}
	}
	return true
}

// Query asks every attachment to re-broadcast advertisements whose names
// start with Prefix, and About announcements when About is set.
type Query struct {
	Prefix    string `json:"prefix"`
	About     bool   `json:"about,omitempty"`
	Requester string `json:"requester"`
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.Requester) == "" {
		return invalidPayload("Query", "missing requester")
	}
	return nil
}
