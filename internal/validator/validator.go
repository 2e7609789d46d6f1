package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var plainDecimal = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Field   string
	Reason  string
}

// ReportData represents the raw fields of one telemetry report
type ReportData struct {
	ExternalID     string
	Latitude       json.Number
	Longitude      json.Number
	Speed          json.Number
	Heading        json.Number
	BatteryVoltage json.Number
	SignalStrength json.Number
}

// Report is a validated report. Coordinates keep their decimal text so they
// reach the NUMERIC columns without float rounding.
type Report struct {
	ExternalID     string
	Latitude       string
	Longitude      string
	Speed          float64
	Heading        float64
	BatteryVoltage float64
	SignalStrength float64
}

// Validator handles report validation with a configurable id length limit
type Validator struct {
	maxExternalIDLength int
}

// NewValidator creates a new validator
func NewValidator(maxExternalIDLength int) *Validator {
	return &Validator{
		maxExternalIDLength: maxExternalIDLength,
	}
}

// ValidateReport checks required fields and applies defaults to optional ones
func (v *Validator) ValidateReport(data ReportData) (Report, ValidationResult) {
	var report Report

	externalID := strings.TrimSpace(data.ExternalID)
	if externalID == "" {
		return report, invalid("external_id", "is required")
	}
	if utf8.RuneCountInString(externalID) > v.maxExternalIDLength {
		return report, invalid("external_id", fmt.Sprintf("exceeds %d characters", v.maxExternalIDLength))
	}
	report.ExternalID = externalID

	lat, result := coordinate("latitude", data.Latitude, 90)
	if !result.IsValid {
		return report, result
	}
	lon, result := coordinate("longitude", data.Longitude, 180)
	if !result.IsValid {
		return report, result
	}
	report.Latitude = lat
	report.Longitude = lon

	optional := []struct {
		field string
		raw   json.Number
		dst   *float64
	}{
		{"speed", data.Speed, &report.Speed},
		{"heading", data.Heading, &report.Heading},
		{"battery_voltage", data.BatteryVoltage, &report.BatteryVoltage},
		{"signal_strength", data.SignalStrength, &report.SignalStrength},
	}
	for _, o := range optional {
		if strings.TrimSpace(o.raw.String()) == "" {
			continue
		}
		value, err := parseFinite(o.raw)
		if err != nil {
			return report, invalid(o.field, err.Error())
		}
		*o.dst = value
	}

	return report, ValidationResult{IsValid: true}
}

// coordinate validates a required coordinate and returns its decimal text
func coordinate(field string, raw json.Number, limit float64) (string, ValidationResult) {
	text := strings.TrimSpace(raw.String())
	if text == "" {
		return "", invalid(field, "is required")
	}

	value, err := parseFinite(raw)
	if err != nil {
		return "", invalid(field, err.Error())
	}
	if value < -limit || value > limit {
		return "", invalid(field, fmt.Sprintf("must be between %.0f and %.0f", -limit, limit))
	}

	if !plainDecimal.MatchString(text) {
		text = strconv.FormatFloat(value, 'f', -1, 64)
	}
	return text, ValidationResult{IsValid: true}
}

func parseFinite(raw json.Number) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("must be numeric")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("must be finite")
	}
	return value, nil
}

func invalid(field, reason string) ValidationResult {
	return ValidationResult{IsValid: false, Field: field, Reason: reason}
}
