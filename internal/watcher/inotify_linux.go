//go:build linux

package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"mpiapp/internal/logging"
	"mpiapp/internal/services"
)

// Run watches the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return services.Wrap(services.ErrStartup, "watcher", "inotify_init", "could not create inotify instance", err)
	}
	if _, err := unix.InotifyAddWatch(fd, w.dir, unix.IN_CLOSE_WRITE|unix.IN_DELETE_SELF|unix.IN_MOVE_SELF); err != nil {
		_ = unix.Close(fd)
		return services.Wrap(services.ErrStartup, "watcher", "inotify_add_watch", "could not watch "+w.dir, err)
	}
	// A non-blocking fd handed to os.NewFile is registered with the runtime
	// poller, so Close unblocks a pending Read.
	file := os.NewFile(uintptr(fd), "inotify")
	stop := context.AfterFunc(ctx, func() { _ = file.Close() })
	defer func() {
		stop()
		_ = file.Close()
		w.Close()
	}()

	w.logger.Info("watching directory",
		logging.String(logging.FieldEventType, "watch_started"),
		logging.String("dir", w.dir),
		logging.String("extension", w.extension),
	)
	if w.armed != nil {
		w.armed()
	}

	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	for {
		n, err := file.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("read inotify events: %w", err)
		}
		if done := w.dispatch(buf[:n]); done {
			return services.Wrap(services.ErrStartup, "watcher", "watch", "watch directory was removed or moved: "+w.dir, nil)
		}
	}
}

// dispatch handles one read worth of events and reports whether the watched
// directory itself went away.
func (w *Watcher) dispatch(buf []byte) bool {
	gone := false
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(ev.Len)
		if nameEnd > len(buf) {
			break
		}
		name := string(bytes.TrimRight(buf[nameStart:nameEnd], "\x00"))
		offset = nameEnd

		switch {
		case ev.Mask&unix.IN_Q_OVERFLOW != 0:
			logging.WarnWithContext(w.logger, "inotify queue overflowed; rescanning directory", "watch_overflow",
				logging.String(logging.FieldErrorHint, "raise fs.inotify.max_queued_events"),
				logging.String(logging.FieldImpact, "events were dropped; files are recovered by rescan"),
			)
			if _, err := w.ScanExisting(); err != nil {
				w.logger.Warn("rescan after overflow failed", logging.Error(err))
			}
		case ev.Mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_IGNORED) != 0:
			gone = true
		case ev.Mask&unix.IN_CLOSE_WRITE != 0 && name != "":
			w.offer(filepath.Join(w.dir, name))
		}
	}
	return gone
}

func fileID(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
