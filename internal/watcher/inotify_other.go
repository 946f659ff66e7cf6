//go:build !linux

package watcher

import (
	"context"
	"os"
)

// Run is unavailable without inotify.
func (w *Watcher) Run(context.Context) error {
	return ErrUnsupported
}

func fileID(os.FileInfo) uint64 { return 0 }
