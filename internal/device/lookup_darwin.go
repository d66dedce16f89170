package device

import (
	"os/exec"
	"strings"

	"github.com/thoreinstein/partbak/internal/errors"
)

// findDeviceByUUID asks diskutil for the partition carrying the given
// (normalized, lowercase) UUID and returns its raw device path, or ""
// when no partition matches. The raw (/dev/rdiskN) identifier is
// preferred for unbuffered access.
func findDeviceByUUID(uuidString string) (string, error) {
	out, err := exec.Command("diskutil", "info", uuidString).Output()
	if err != nil {
		// diskutil exits non-zero for unknown UUIDs; report "not found"
		// rather than a lookup failure.
		if _, ok := err.(*exec.ExitError); ok {
			return "", nil
		}
		return "", errors.Mark(errors.Wrap(err, "running diskutil"), errors.ErrUnresolvable)
	}

	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) != "Device Identifier" {
			continue
		}
		return "/dev/r" + strings.TrimSpace(value), nil
	}

	return "", nil
}
