//go:build !linux && !darwin

package device

import (
	"runtime"

	"github.com/thoreinstein/partbak/internal/errors"
)

func findDeviceByUUID(string) (string, error) {
	return "", errors.Mark(
		errors.Newf("finding a device by UUID is not implemented for platform %s", runtime.GOOS),
		errors.ErrUnresolvable)
}
