//go:build !linux

package apply

import "os"

// FileTimes returns the modification time of path. Access time is not
// portable outside Linux and is reported equal to the modification time.
func FileTimes(path string) (Times, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Times{}, err
	}
	return Times{Atime: info.ModTime(), Mtime: info.ModTime()}, nil
}
