//go:build !linux

package flushmanager

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
