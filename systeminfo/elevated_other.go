//go:build !windows

package systeminfo

import "os"

func isElevated() bool {
	return os.Geteuid() == 0
}
