package validator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testMaxExternalIDLength = 64

func TestValidateReport_ValidData(t *testing.T) {
	v := NewValidator(testMaxExternalIDLength)

	report, result := v.ValidateReport(ReportData{
		ExternalID: " IMEI123 ",
		Latitude:   "36.8065",
		Longitude:  "10.1815",
		Speed:      "42",
	})

	assert.True(t, result.IsValid, result.Reason)
	assert.Equal(t, "IMEI123", report.ExternalID)
	assert.Equal(t, "36.8065", report.Latitude)
	assert.Equal(t, "10.1815", report.Longitude)
	assert.Equal(t, 42.0, report.Speed)
	assert.Zero(t, report.Heading)
	assert.Zero(t, report.BatteryVoltage)
	assert.Zero(t, report.SignalStrength)
}

func TestValidateReport_ZeroCoordinatesAreValid(t *testing.T) {
	v := NewValidator(testMaxExternalIDLength)

	report, result := v.ValidateReport(ReportData{ExternalID: "IMEI123", Latitude: "0", Longitude: "0"})

	assert.True(t, result.IsValid)
	assert.Equal(t, "0", report.Latitude)
}

func TestValidateReport_Rejections(t *testing.T) {
	v := NewValidator(testMaxExternalIDLength)

	tests := []struct {
		name  string
		data  ReportData
		field string
	}{
		{"missing external id", ReportData{Latitude: "36.8", Longitude: "10.1"}, "external_id"},
		{"blank external id", ReportData{ExternalID: "   ", Latitude: "36.8", Longitude: "10.1"}, "external_id"},
		{"external id too long", ReportData{ExternalID: strings.Repeat("1", testMaxExternalIDLength+1), Latitude: "36.8", Longitude: "10.1"}, "external_id"},
		{"missing latitude", ReportData{ExternalID: "IMEI123", Longitude: "10.1"}, "latitude"},
		{"missing longitude", ReportData{ExternalID: "IMEI123", Latitude: "36.8"}, "longitude"},
		{"non-numeric latitude", ReportData{ExternalID: "IMEI123", Latitude: "north", Longitude: "10.1"}, "latitude"},
		{"latitude out of range", ReportData{ExternalID: "IMEI123", Latitude: "91", Longitude: "10.1"}, "latitude"},
		{"longitude out of range", ReportData{ExternalID: "IMEI123", Latitude: "36.8", Longitude: "-180.5"}, "longitude"},
		{"nan longitude", ReportData{ExternalID: "IMEI123", Latitude: "36.8", Longitude: "NaN"}, "longitude"},
		{"non-numeric speed", ReportData{ExternalID: "IMEI123", Latitude: "36.8", Longitude: "10.1", Speed: "fast"}, "speed"},
		{"infinite battery", ReportData{ExternalID: "IMEI123", Latitude: "36.8", Longitude: "10.1", BatteryVoltage: "Inf"}, "battery_voltage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, result := v.ValidateReport(tt.data)
			assert.False(t, result.IsValid)
			assert.Equal(t, tt.field, result.Field)
			assert.NotEmpty(t, result.Reason)
		})
	}
}

func TestValidateReport_ExternalIDLimitCountsCharacters(t *testing.T) {
	v := NewValidator(testMaxExternalIDLength)

	report, result := v.ValidateReport(ReportData{ExternalID: strings.Repeat("ü", testMaxExternalIDLength), Latitude: "1", Longitude: "2"})
	assert.True(t, result.IsValid, result.Reason)
	assert.Equal(t, strings.Repeat("ü", testMaxExternalIDLength), report.ExternalID)

	_, result = v.ValidateReport(ReportData{ExternalID: strings.Repeat("ü", testMaxExternalIDLength+1), Latitude: "1", Longitude: "2"})
	assert.False(t, result.IsValid)
	assert.Equal(t, "external_id", result.Field)
}

func TestValidateReport_ExponentNormalized(t *testing.T) {
	v := NewValidator(testMaxExternalIDLength)

	report, result := v.ValidateReport(ReportData{ExternalID: "IMEI123", Latitude: "3.68065e1", Longitude: json.Number("1.01815E1")})

	assert.True(t, result.IsValid, result.Reason)
	assert.Equal(t, "36.8065", report.Latitude)
	assert.Equal(t, "10.1815", report.Longitude)
}
