//go:build !linux

package procmgr

import "errors"

// waitExited is unsupported here. Records then kill only the worker process
// itself, never its group.
func waitExited(pid int) error {
	return errors.ErrUnsupported
}
