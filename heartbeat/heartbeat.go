package heartbeat

import (
	"encoding/json"
	"time"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
)

// Beacon is one liveness announcement published on bus.heartbeat.
// Sessions lists the session ids the sender holds, so a monitor can tell
// which sessions a dead peer leaves behind.
type Beacon struct {
	UniqueName string    `json:"unique_name"`
	GUID       string    `json:"guid"`
	Timestamp  time.Time `json:"timestamp"`
	Sessions   []uint32  `json:"sessions,omitempty"`
}

func (b *Beacon) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Unmarshal decodes a beacon. Undecodable data and beacons without a
// unique name are MALFORMED.
func Unmarshal(data []byte) (*Beacon, error) {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, buserr.Malformed("decoding beacon: " + err.Error())
	}
	if b.UniqueName == "" {
		return nil, buserr.Malformed("beacon without unique name")
	}
	return &b, nil
}

// SenderConfig configures a LinkSender. Interval defaults to 5s.
type SenderConfig struct {
	Link       router.Link
	UniqueName string
	GUID       string
	Interval   time.Duration
}

func (c *SenderConfig) Validate() error {
	switch {
	case c.Link == nil:
		return buserr.InvalidArgument("heartbeat sender needs a link")
	case c.UniqueName == "":
		return buserr.InvalidArgument("heartbeat sender needs a unique name")
	}
	return nil
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{Interval: 5 * time.Second}
}

// MonitorConfig configures a LinkMonitor. Beacons from Self are ignored.
// Timeout should cover two or three missed beacons.
type MonitorConfig struct {
	Link          router.Link
	Self          string
	Timeout       time.Duration
	CheckInterval time.Duration
}

func (c *MonitorConfig) Validate() error {
	if c.Link == nil {
		return buserr.InvalidArgument("heartbeat monitor needs a link")
	}
	return nil
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Timeout: 15 * time.Second, CheckInterval: time.Second}
}
