// Package notification sends and receives short human-readable
// notifications as sessionless broadcast signals.
//
// A Sender owns one object per message type (/emergency, /warning,
// /info) and keeps the last notification of each type until its TTL
// expires. A Receiver adds the match rules, decodes notify signals into
// Notification values and drops duplicates by (AppID, MessageID).
// Consumers dismiss a notification through the producer; every attachment
// running a Receiver then sees the Dismiss signal.
package notification

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/signature"
)

// Interface names and the notify signal signature.
const (
	Interface          = "org.alljoyn.Notification"
	DismisserInterface = "org.alljoyn.Notification.Dismisser"
	ProducerInterface  = "org.alljoyn.Notification.Producer"

	NotifySignature  = "qiqssaysa{iv}a{ss}a(ss)"
	DismissSignature = "iay"

	// Version is the payload version carried by every notification.
	Version uint16 = 2
)

// TTL bounds accepted by Sender.Send.
const (
	MinTTL = 30 * time.Second
	MaxTTL = 12 * time.Hour
)

// Object paths.
const (
	ProducerPath = "/notificationProducer"
	// dismisser objects live under this prefix; producer and consumer
	// each own one.
	DismisserPath = "/notificationDismisser"
)

// MessageType is the urgency of a notification.
type MessageType uint16

const (
	Emergency MessageType = 0
	Warning   MessageType = 1
	Info      MessageType = 2
)

// MessageTypes lists every type in wire order.
var MessageTypes = []MessageType{Emergency, Warning, Info}

func (t MessageType) String() string {
	switch t {
	case Emergency:
		return "emergency"
	case Warning:
		return "warning"
	case Info:
		return "info"
	}
	return fmt.Sprintf("unknown(%d)", uint16(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t <= Info
}

// Path is the object path notifications of this type are emitted from.
func (t MessageType) Path() string {
	return "/" + t.String()
}

// Text is one localized notification text.
type Text struct {
	Language string
	Text     string
}

// RichAudio is one localized audio URL.
type RichAudio struct {
	Language string
	URL      string
}

// Notification is a notification as sent or received.
type Notification struct {
	Version     uint16
	MessageID   int32
	Type        MessageType
	DeviceID    string
	DeviceName  string
	AppID       uuid.UUID
	AppName     string
	Texts       []Text
	CustomAttrs map[string]string

	RichIconURL      string
	RichAudioURLs    []RichAudio
	RichIconObjPath  string
	RichAudioObjPath string
	ResponseObjPath  string

	// Sender is the unique name the signal came from; OriginalSender is
	// the producer that first sent it. Both are set on receipt.
	Sender         string
	OriginalSender string
}

// Attribute keys of the a{iv} field.
const (
	attrRichIconURL      int32 = 0
	attrRichAudioURL     int32 = 1
	attrRichIconObjPath  int32 = 2
	attrRichAudioObjPath int32 = 3
	attrResponseObjPath  int32 = 4
	attrOriginalSender   int32 = 5
)

func (n *Notification) validate() error {
	if !n.Type.Valid() {
		return buserr.InvalidArgument(fmt.Sprintf("unknown message type %d", uint16(n.Type)))
	}
	if len(n.Texts) == 0 {
		return buserr.InvalidArgument("notification needs at least one text")
	}
	for k := range n.CustomAttrs {
		if k == "" {
			return buserr.InvalidArgument("custom attribute key is empty")
		}
	}
	return nil
}

// args renders the notify signal arguments.
func (n *Notification) args(originalSender string) []any {
	attrs := make([]any, 0, 6)
	str := func(key int32, v string) {
		if v != "" {
			attrs = append(attrs, signature.DictEntry{Key: key, Value: signature.Variant{Sig: "s", Value: v}})
		}
	}
	str(attrRichIconURL, n.RichIconURL)
	if len(n.RichAudioURLs) > 0 {
		audio := make([]any, len(n.RichAudioURLs))
		for i, a := range n.RichAudioURLs {
			audio[i] = signature.Struct{a.Language, a.URL}
		}
		attrs = append(attrs, signature.DictEntry{Key: attrRichAudioURL, Value: signature.Variant{Sig: "a(ss)", Value: audio}})
	}
	str(attrRichIconObjPath, n.RichIconObjPath)
	str(attrRichAudioObjPath, n.RichAudioObjPath)
	str(attrResponseObjPath, n.ResponseObjPath)
	str(attrOriginalSender, originalSender)

	texts := make([]any, len(n.Texts))
	for i, t := range n.Texts {
		texts[i] = signature.Struct{t.Language, t.Text}
	}
	custom := n.CustomAttrs
	if custom == nil {
		custom = map[string]string{}
	}
	appID := n.AppID
	return []any{
		n.Version,
		n.MessageID,
		uint16(n.Type),
		n.DeviceID,
		n.DeviceName,
		appID[:],
		n.AppName,
		attrs,
		signature.StringDict(custom),
		texts,
	}
}

// decode parses notify signal arguments. Unknown attribute keys are
// skipped.
func decode(sender string, args []any) (Notification, error) {
	var n Notification
	if len(args) != 10 {
		return n, malformed("expected 10 arguments, got %d", len(args))
	}
	var ok bool
	if n.Version, ok = args[0].(uint16); !ok {
		return n, malformed("version is %T", args[0])
	}
	if n.MessageID, ok = args[1].(int32); !ok {
		return n, malformed("message id is %T", args[1])
	}
	typ, ok := args[2].(uint16)
	if !ok || !MessageType(typ).Valid() {
		return n, malformed("bad message type %v", args[2])
	}
	n.Type = MessageType(typ)
	n.DeviceID, _ = args[3].(string)
	n.DeviceName, _ = args[4].(string)
	rawID, _ := args[5].([]byte)
	appID, err := uuid.FromBytes(rawID)
	if err != nil {
		return n, malformed("app id: %v", err)
	}
	n.AppID = appID
	n.AppName, _ = args[6].(string)
	n.Sender = sender

	attrs, _ := args[7].([]any)
	for _, e := range attrs {
		de, ok := e.(signature.DictEntry)
		if !ok {
			continue
		}
		key, _ := de.Key.(int32)
		v, _ := de.Value.(signature.Variant)
		s, _ := v.Value.(string)
		switch key {
		case attrRichIconURL:
			n.RichIconURL = s
		case attrRichAudioURL:
			items, _ := v.Value.([]any)
			for _, it := range items {
				if f, ok := it.(signature.Struct); ok && len(f) == 2 {
					lang, _ := f[0].(string)
					url, _ := f[1].(string)
					n.RichAudioURLs = append(n.RichAudioURLs, RichAudio{Language: lang, URL: url})
				}
			}
		case attrRichIconObjPath:
			n.RichIconObjPath = s
		case attrRichAudioObjPath:
			n.RichAudioObjPath = s
		case attrResponseObjPath:
			n.ResponseObjPath = s
		case attrOriginalSender:
			n.OriginalSender = s
		}
	}

	custom, _ := args[8].([]any)
	if len(custom) > 0 {
		n.CustomAttrs = make(map[string]string, len(custom))
		for _, e := range custom {
			if de, ok := e.(signature.DictEntry); ok {
				k, _ := de.Key.(string)
				v, _ := de.Value.(string)
				n.CustomAttrs[k] = v
			}
		}
	}

	texts, _ := args[9].([]any)
	for _, e := range texts {
		if f, ok := e.(signature.Struct); ok && len(f) == 2 {
			lang, _ := f[0].(string)
			text, _ := f[1].(string)
			n.Texts = append(n.Texts, Text{Language: lang, Text: text})
		}
	}
	if len(n.Texts) == 0 {
		return n, malformed("notification %d has no text", n.MessageID)
	}
	if n.OriginalSender == "" {
		n.OriginalSender = sender
	}
	return n, nil
}

func malformed(format string, args ...any) error {
	return buserr.Malformed("notification: " + fmt.Sprintf(format, args...))
}

// Languages returns the languages n carries texts for, sorted.
func (n Notification) Languages() []string {
	out := make([]string, 0, len(n.Texts))
	for _, t := range n.Texts {
		out = append(out, t.Language)
	}
	sort.Strings(out)
	return out
}
