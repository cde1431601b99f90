//go:build !linux

package level

import (
	"errors"
	"os"
)

func preallocate(*os.File, int64, int64) error { return nil }

func punchHole(*os.File, int64, int64) error {
	return errors.New("hole punching not supported")
}
