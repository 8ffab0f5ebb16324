// Package identity turns caller-supplied user references into an explicit tagged
// identifier and resolves them against the employee roster.
package identity

import (
	"fmt"
	"strconv"
	"strings"

	"camwatch-backend/internal/errs"
)

// Kind names which key an Identifier carries.
type Kind string

const (
	KindEmail       Kind = "email"
	KindDirectoryID Kind = "directory_id"
	KindRecordID    Kind = "record_id"
)

// Identifier is a user reference whose kind was decided at the request boundary.
type Identifier struct {
	Kind  Kind
	Value string
}

func (id Identifier) String() string {
	return string(id.Kind) + ":" + id.Value
}

// NormalizeEmail trims and lower-cases an email. The result is also the name of the
// user's private transport channel.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Email builds an email identifier.
func Email(raw string) Identifier {
	return Identifier{Kind: KindEmail, Value: NormalizeEmail(raw)}
}

// FromFields builds an Identifier from the three mutually exclusive request fields.
// Exactly one of them must be non-empty.
func FromFields(email, directoryID, recordID string) (Identifier, error) {
	email = strings.TrimSpace(email)
	directoryID = strings.TrimSpace(directoryID)
	recordID = strings.TrimSpace(recordID)

	set := 0
	for _, v := range []string{email, directoryID, recordID} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return Identifier{}, fmt.Errorf("%w: one of email, directoryId or employeeId is required", errs.ErrValidation)
	}
	if set > 1 {
		return Identifier{}, fmt.Errorf("%w: only one of email, directoryId or employeeId may be set", errs.ErrValidation)
	}

	var id Identifier
	switch {
	case email != "":
		id = Email(email)
	case directoryID != "":
		id = Identifier{Kind: KindDirectoryID, Value: directoryID}
	default:
		id = Identifier{Kind: KindRecordID, Value: recordID}
	}
	return id, id.Validate()
}

// Validate checks that the value is well formed for its kind.
func (id Identifier) Validate() error {
	switch id.Kind {
	case KindEmail:
		if !ValidEmail(id.Value) {
			return fmt.Errorf("%w: malformed email %q", errs.ErrValidation, id.Value)
		}
	case KindDirectoryID:
		if id.Value == "" {
			return fmt.Errorf("%w: empty directory id", errs.ErrValidation)
		}
	case KindRecordID:
		if _, err := id.RecordID(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown identifier kind %q", errs.ErrValidation, id.Kind)
	}
	return nil
}

// RecordID returns the numeric database id of a record_id identifier.
func (id Identifier) RecordID() (int64, error) {
	if id.Kind != KindRecordID {
		return 0, fmt.Errorf("%w: identifier %s is not a record id", errs.ErrValidation, id)
	}
	n, err := strconv.ParseInt(id.Value, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: malformed employee id %q", errs.ErrValidation, id.Value)
	}
	return n, nil
}

// ValidEmail performs a shape check: one '@' with non-empty local and domain parts.
func ValidEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') || at == len(s)-1 {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n")
}
