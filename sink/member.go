package sink

import (
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Member subscription statuses recognised by the Mailchimp API.
const (
	StatusSubscribed    = "subscribed"
	StatusUnsubscribed  = "unsubscribed"
	StatusCleaned       = "cleaned"
	StatusPending       = "pending"
	StatusTransactional = "transactional"
)

var memberStatuses = map[string]bool{
	StatusSubscribed:    true,
	StatusUnsubscribed:  true,
	StatusCleaned:       true,
	StatusPending:       true,
	StatusTransactional: true,
}

// IsValidStatus reports whether s is one of the recognised member statuses.
func IsValidStatus(s string) bool {
	return memberStatuses[s]
}

// MemberAddress is the structured shape of the ADDRESS merge field.
type MemberAddress struct {
	Addr1   string `json:"addr1"`
	Addr2   string `json:"addr2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// MemberLocation is the member location block derived from the first address.
type MemberLocation struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	GMTOff      int     `json:"gmtoff"`
	DSTOff      int     `json:"dstoff"`
	CountryCode string  `json:"country_code"`
	Timezone    string  `json:"timezone"`
	Region      string  `json:"region"`
}

// MemberPayload is a destination-shaped member record derived from a
// UnifiedRecord, or carried through raw in pass-through mode. Every
// merge field tag referenced here must exist in the schema cache before
// the payload is submitted.
type MemberPayload struct {
	EmailAddress string                 `json:"email_address"`
	Status       string                 `json:"status,omitempty"`
	StatusIfNew  string                 `json:"status_if_new,omitempty"`
	MergeFields  map[string]interface{} `json:"merge_fields"`
	Interests    map[string]bool        `json:"interests,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Location     *MemberLocation        `json:"location,omitempty"`

	raw []byte
}

// CorrelationKey is the stable identifier used to match a submitted
// operation to its outcome: the lower-cased email address.
func (p MemberPayload) CorrelationKey() string {
	return strings.ToLower(p.EmailAddress)
}

// SubscriberHash returns the member endpoint path segment for this
// payload: the hex md5 of the lower-cased email address.
func (p MemberPayload) SubscriberHash() string {
	return fmt.Sprintf("%x", md5.Sum([]byte(p.CorrelationKey())))
}

// Body returns the JSON body submitted to the member upsert endpoint.
// Pass-through payloads are returned as received.
func (p MemberPayload) Body() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	return json.Marshal(p)
}

// RawMemberPayload wraps an untransformed record as an already-valid
// member payload. The email address is lower-cased and a default
// subscription status is injected when the record carries none; any
// deeper shape problems are left for the API to reject at submission.
func RawMemberPayload(raw []byte, defaultstatus string) (MemberPayload, error) {
	var result MemberPayload
	if !gjson.ValidBytes(raw) {
		return result, errors.New("raw payload is not valid JSON")
	}
	email := strings.ToLower(strings.TrimSpace(gjson.GetBytes(raw, "email_address").String()))
	if email == "" {
		return result, errors.New("raw payload is missing email_address")
	}
	normalized, err := sjson.SetBytes(raw, "email_address", email)
	if err != nil {
		return result, err
	}
	if !gjson.GetBytes(normalized, "status").Exists() {
		if normalized, err = sjson.SetBytes(normalized, "status", defaultstatus); err != nil {
			return result, err
		}
	}
	if !gjson.GetBytes(normalized, "status_if_new").Exists() {
		if normalized, err = sjson.SetBytes(normalized, "status_if_new", defaultstatus); err != nil {
			return result, err
		}
	}
	result.EmailAddress = email
	result.raw = normalized
	return result, nil
}
