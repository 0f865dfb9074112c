//go:build linux

package apply

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FileTimes returns the access and modification time of path at full
// precision.
func FileTimes(path string) (Times, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Times{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return Times{
		Atime: time.Unix(st.Atim.Unix()),
		Mtime: time.Unix(st.Mtim.Unix()),
	}, nil
}
