// Package uuid generates and checks the identifiers used for records,
// conflicts and devices.
package uuid

import (
	"regexp"

	"github.com/google/uuid"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// recordIDRegex bounds client-supplied record ids. Generated ids always match.
var recordIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewDeviceID generates a stable-looking device identifier for sync_meta.
func NewDeviceID() string {
	return "dev-" + uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateRecordID checks an id supplied by a caller or a remote.
// Ids need not be UUIDs but must be short, printable and start alphanumeric.
func ValidateRecordID(id string) error {
	if !recordIDRegex.MatchString(id) {
		return apperrors.Newf(apperrors.ErrValidation, "invalid record id %q", id)
	}
	return nil
}
