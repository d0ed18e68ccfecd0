// Package device holds the wire vocabulary shared with the irrigation controller.
package device

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultPrefix is the topic namespace used by the controller firmware.
const DefaultPrefix = "irrigation"

// Topics names every topic the server touches.
type Topics struct {
	Data     string // controller -> server telemetry
	Status   string // controller -> server heartbeat text
	Commands string // UI / server -> server command requests
	Control  string // server -> controller actuation
	Logs     string // server -> UI feed
}

// TopicsFor builds the topic set under prefix. Empty prefix means DefaultPrefix.
func TopicsFor(prefix string) Topics {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		p = DefaultPrefix
	}
	return Topics{
		Data:     p + "/data",
		Status:   p + "/status",
		Commands: p + "/commands",
		Control:  p + "/control",
		Logs:     p + "/logs",
	}
}

// Subscriptions lists the inbound topics.
func (t Topics) Subscriptions() []string {
	return []string{t.Data, t.Status, t.Commands}
}

type Command string

const (
	WaterOn  Command = "WATER_ON"
	WaterOff Command = "WATER_OFF"
	AutoMode Command = "AUTO_MODE"
)

func (c Command) Valid() bool {
	switch c {
	case WaterOn, WaterOff, AutoMode:
		return true
	}
	return false
}

// ParseCommand accepts the command name in any case.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", errors.Newf("unknown command %q", s)
	}
	return c, nil
}

const (
	PumpOn  = "ON"
	PumpOff = "OFF"

	ModeAuto   = "Auto"
	ModeManual = "Manual"
)

// NormalizePump maps any controller pump text to ON or OFF.
func NormalizePump(raw string) string {
	if strings.Contains(raw, PumpOn) {
		return PumpOn
	}
	return PumpOff
}

// NormalizeMode maps any controller mode text to Manual or Auto.
func NormalizeMode(raw string) string {
	if strings.Contains(strings.ToLower(raw), "manual") {
		return ModeManual
	}
	return ModeAuto
}

// Telemetry is one sensor report from the controller.
type Telemetry struct {
	Soil     *float64 `json:"soil,omitempty"`
	Rain     *float64 `json:"rain,omitempty"`
	Pump     string   `json:"pump"`
	Mode     string   `json:"mode"`
	PublicIP string   `json:"public_ip,omitempty"`
}

// ParseTelemetry decodes a data payload. Unknown fields are ignored so newer
// firmware keeps working.
func ParseTelemetry(payload []byte) (Telemetry, error) {
	var t Telemetry
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return t, errors.New("empty telemetry payload")
	}
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, errors.Wrap(err, "decode telemetry")
	}
	return t, nil
}

// StatusEnvelope wraps a raw status line for the logs feed.
type StatusEnvelope struct {
	Status string `json:"esp32Status"`
	TS     string `json:"ts"`
}
