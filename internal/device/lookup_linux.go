package device

import (
	"os/exec"
	"strings"

	"github.com/thoreinstein/partbak/internal/errors"
)

// findDeviceByUUID scans blkid output for a partition carrying the given
// (normalized, lowercase) UUID and returns its device path, or "" when
// no partition matches.
func findDeviceByUUID(uuidString string) (string, error) {
	out, err := exec.Command("blkid").Output()
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "running blkid"), errors.ErrUnresolvable)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(strings.ToLower(line), uuidString) {
			continue
		}
		device, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		return strings.TrimSpace(device), nil
	}

	return "", nil
}
