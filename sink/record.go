package sink

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// UnifiedRecord is one incoming contact record from the upstream
// extraction stream, in the unified schema. It is immutable once
// received; the sink owns it for the duration of one processing cycle.
type UnifiedRecord struct {
	Email           string          `json:"email"`
	Name            string          `json:"name,omitempty"`
	Addresses       []RecordAddress `json:"addresses,omitempty"`
	PhoneNumbers    []string        `json:"phone_numbers,omitempty"`
	CustomFields    []CustomField   `json:"custom_fields,omitempty"`
	Lists           []string        `json:"lists,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	SubscribeStatus string          `json:"subscribe_status,omitempty"`
}

// RecordAddress is a postal address in the unified schema.
type RecordAddress struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// CustomField is a name/type/value triple in the unified schema.
type CustomField struct {
	Name  string      `json:"name"`
	Type  string      `json:"type,omitempty"`
	Value interface{} `json:"value"`
}

// ParseUnifiedRecord decodes a raw record delivered by the upstream stream.
func ParseUnifiedRecord(raw []byte) (UnifiedRecord, error) {
	var result UnifiedRecord
	if !gjson.ValidBytes(raw) {
		return result, errors.New("record is not valid JSON")
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, err
	}
	return result, nil
}

// contactStreams are the stream names routed to the member endpoints.
var contactStreams = map[string]bool{
	"customers": true,
	"contacts":  true,
	"customer":  true,
	"contact":   true,
}

// IsContactStream reports whether a stream carries contact-like records.
func IsContactStream(name string) bool {
	return contactStreams[strings.ToLower(name)]
}
