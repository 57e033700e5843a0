package sink

import (
	"context"
	"strings"

	"github.com/biter777/countries"
	"github.com/iancoleman/strcase"
	"github.com/ttacon/libphonenumber"
	"go.uber.org/zap"
)

// Merge field tags with reserved meanings on the destination.
const (
	MergeTagFirstName = "FNAME"
	MergeTagLastName  = "LNAME"
	MergeTagAddress   = "ADDRESS"
	MergeTagPhone     = "PHONE"
)

// mergeTagMaxLength is the destination's limit on merge field tags.
const mergeTagMaxLength = 10

// MemberMapper transforms unified contact records into destination
// member payloads. The transformation itself is pure; resolving custom
// fields and interest categories reads through the schema cache, which
// may provision missing remote schema on demand.
type MemberMapper struct {
	Cache         *SchemaCache
	DefaultStatus string
	Log           *zap.Logger
}

func (m MemberMapper) logger() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

// Transform converts one unified record into a member payload.
// Record-scoped validation failures are returned as *RecordError and
// must not abort processing of sibling records.
func (m MemberMapper) Transform(record UnifiedRecord, ctx context.Context) (MemberPayload, error) {
	var result MemberPayload

	email := strings.ToLower(strings.TrimSpace(record.Email))
	if email == "" {
		return result, invalidRecord("", "record has no email address")
	}

	status := record.SubscribeStatus
	if status == "" {
		status = m.DefaultStatus
	}
	if status == "" {
		status = StatusSubscribed
	}
	if !IsValidStatus(status) {
		return result, invalidRecord(email, "unrecognised subscription status %q", status)
	}

	result.EmailAddress = email
	result.Status = status
	result.StatusIfNew = status
	result.MergeFields = make(map[string]interface{})

	// The destination requires FNAME/LNAME present even when empty.
	first, last := splitName(record.Name)
	result.MergeFields[MergeTagFirstName] = first
	result.MergeFields[MergeTagLastName] = last

	region := ""
	if len(record.Addresses) > 0 {
		address, location, alpha2 := mapAddress(record.Addresses[0])
		result.MergeFields[MergeTagAddress] = address
		result.Location = &location
		region = alpha2
		if len(record.Addresses) > 1 {
			m.logger().Warn("dropping additional addresses",
				zap.String("email", email),
				zap.Int("dropped", len(record.Addresses)-1))
		}
	}

	if len(record.PhoneNumbers) > 0 {
		result.MergeFields[MergeTagPhone] = m.formatPhone(record.PhoneNumbers[0], region, email)
		if len(record.PhoneNumbers) > 1 {
			m.logger().Warn("dropping additional phone numbers",
				zap.String("email", email),
				zap.Int("dropped", len(record.PhoneNumbers)-1))
		}
	}

	for _, field := range record.CustomFields {
		tag := MergeTag(field.Name)
		if tag == "" {
			return result, invalidRecord(email, "custom field name %q yields an empty merge tag", field.Name)
		}
		remoteTag, err := m.Cache.EnsureMergeField(tag, strcase.ToCamel(field.Name), MergeFieldType(field.Type), ctx)
		if err != nil {
			return result, err
		}
		result.MergeFields[remoteTag] = field.Value
	}

	for _, entry := range record.Lists {
		title, name, ok := strings.Cut(entry, "/")
		if !ok || title == "" || name == "" {
			return result, invalidRecord(email, "list entry %q is not in title/name form", entry)
		}
		interestID, err := m.Cache.EnsureInterest(title, name, ctx)
		if err != nil {
			return result, err
		}
		if result.Interests == nil {
			result.Interests = make(map[string]bool)
		}
		result.Interests[interestID] = true
	}

	if len(record.Tags) > 0 {
		result.Tags = append(result.Tags, record.Tags...)
	}

	return result, nil
}

// splitName splits a full name on the first space: first token to
// FNAME, remainder to LNAME. A nameless record yields empty strings.
func splitName(name string) (first string, last string) {
	parts := strings.SplitN(strings.TrimSpace(name), " ", 2)
	first = parts[0]
	if len(parts) > 1 {
		last = parts[1]
	}
	return first, last
}

// mapAddress converts the first unified address into the structured
// ADDRESS merge field plus the member location block. The country is
// normalised to its Alpha-2 code when recognised.
func mapAddress(a RecordAddress) (MemberAddress, MemberLocation, string) {
	country := a.Country
	alpha2 := ""
	if c := countries.ByName(a.Country); c != countries.Unknown { // matches on Alpha-2 / Alpha-3 / Name
		country = c.Alpha2()
		alpha2 = c.Alpha2()
	}
	address := MemberAddress{
		Addr1:   a.Line1,
		Addr2:   a.Line2,
		City:    a.City,
		State:   a.State,
		Zip:     a.PostalCode,
		Country: country,
	}
	location := MemberLocation{
		CountryCode: alpha2,
		Region:      a.State,
	}
	return address, location, alpha2
}

// formatPhone normalises a phone number to E.164 where possible, using
// the record's address country as the parsing region. Unparseable
// numbers are passed through unchanged with a warning.
func (m MemberMapper) formatPhone(raw string, region string, email string) string {
	number := strings.TrimSpace(raw)
	if strings.HasPrefix(number, "+") {
		region = "ZZ"
	}
	if region == "" {
		m.logger().Warn("cannot normalise phone number without a country",
			zap.String("email", email))
		return number
	}
	num, err := libphonenumber.Parse(number, region)
	if err != nil {
		m.logger().Warn("failed to parse phone number",
			zap.String("email", email), zap.Error(err))
		return number
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

// MergeTag derives a merge field tag from a custom field name: upper
// cased with non-alphanumeric characters stripped, capped at the
// destination's tag length limit.
func MergeTag(name string) string {
	s := strcase.ToScreamingSnake(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	tag := b.String()
	if len(tag) > mergeTagMaxLength {
		tag = tag[:mergeTagMaxLength]
	}
	return tag
}

// MergeFieldType maps a unified custom field type to a destination
// merge field type. Unrecognised types fall back to text.
func MergeFieldType(fieldtype string) string {
	switch strings.ToLower(fieldtype) {
	case "number", "integer", "decimal":
		return "number"
	case "date":
		return "date"
	case "birthday":
		return "birthday"
	case "phone":
		return "phone"
	case "url":
		return "url"
	default:
		return "text"
	}
}
