package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/septivank/gps-telemetry-ingest/internal/validator"
)

// Payload is the wire form of a telemetry report shared by every transport.
// Numeric fields accept JSON numbers or numeric strings.
type Payload struct {
	DeviceIMEI       DeviceID    `json:"device_imei"`
	ExternalID       DeviceID    `json:"external_id,omitempty"`
	ExternalIDCompat DeviceID    `json:"externalId,omitempty"`
	Latitude         json.Number `json:"latitude"`
	Longitude        json.Number `json:"longitude"`
	Speed            json.Number `json:"speed,omitempty"`
	Heading          json.Number `json:"heading,omitempty"`
	BatteryVoltage   json.Number `json:"battery_voltage,omitempty"`
	SignalStrength   json.Number `json:"signal_strength,omitempty"`
}

// DeviceID is an external identifier sent either as a JSON string or, as
// many trackers do with IMEIs, as a bare JSON number.
type DeviceID string

// UnmarshalJSON accepts a string, a number or null
func (d *DeviceID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DeviceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("device id must be a string or a number, got %s", b)
	}
	*d = DeviceID(n.String())
	return nil
}

// DecodePayload parses a JSON report. Syntax and type errors are returned as
// *ValidationError.
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return p, nil
}

// Identifier returns device_imei, falling back to external_id and then
// externalId
func (p Payload) Identifier() string {
	for _, id := range []DeviceID{p.DeviceIMEI, p.ExternalID, p.ExternalIDCompat} {
		if id != "" {
			return string(id)
		}
	}
	return ""
}

func (p Payload) reportData() validator.ReportData {
	return validator.ReportData{
		ExternalID:     p.Identifier(),
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		Speed:          p.Speed,
		Heading:        p.Heading,
		BatteryVoltage: p.BatteryVoltage,
		SignalStrength: p.SignalStrength,
	}
}
