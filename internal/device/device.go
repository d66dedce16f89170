// Package device resolves user-supplied source and destination
// identifiers (plain paths or partition UUIDs) to concrete,
// addressable paths.
package device

import (
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/thoreinstein/partbak/internal/errors"
)

// Resolve maps identifier to a concrete path. When isUUID is set, the
// identifier is treated as a partition UUID and looked up against the
// platform's disk inventory; otherwise it must be an existing path.
// Unresolvable identifiers are marked with errors.ErrUnresolvable.
func Resolve(identifier string, isUUID bool) (string, error) {
	if isUUID {
		normalized, err := NormalizeUUID(identifier)
		if err != nil {
			return "", errors.Mark(errors.Wrapf(err, "invalid partition UUID %q", identifier), errors.ErrUnresolvable)
		}

		path, err := findDeviceByUUID(normalized)
		if err != nil {
			return "", err
		}
		if path == "" {
			return "", errors.Mark(errors.Newf("no partition with UUID %s", normalized), errors.ErrUnresolvable)
		}
		return path, nil
	}

	if _, err := os.Stat(identifier); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "%q is not a valid device identifier or file", identifier), errors.ErrUnresolvable)
	}
	return identifier, nil
}

// NormalizeUUID parses and canonicalizes a UUID string to its lowercase
// hyphenated form.
func NormalizeUUID(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.String()), nil
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}
