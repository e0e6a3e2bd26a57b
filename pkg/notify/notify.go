// Package notify implements the advisory wake signal between the
// gateway and idle runners. The gateway touches a shared file after
// enqueueing; runners watch it and cut their poll wait short. Delivery
// is best-effort: runners poll the store regardless, so a lost or
// spurious wake costs at most one poll interval.
package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Ping touches the wake file. The content is only there to force a
// write event; nothing reads it back.
func Ping(path string) error {
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)

	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("touching wake file: %w", err)
	}

	return nil
}

// Listener watches the wake file and signals on C when it is touched.
type Listener struct {
	log  logrus.FieldLogger
	path string

	watcher *fsnotify.Watcher
	c       chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewListener creates a listener for the given wake file path.
func NewListener(log logrus.FieldLogger, path string) *Listener {
	return &Listener{
		log:  log.WithField("component", "notify"),
		path: path,
		c:    make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// C delivers one signal per observed touch. The channel has a buffer of
// one; coalesced touches are indistinguishable from a single one, which
// is fine for a wake-up hint.
func (l *Listener) C() <-chan struct{} {
	return l.c
}

// Start begins watching. The parent directory is watched rather than
// the file itself so that the first Ping creating the file is seen too.
func (l *Listener) Start(_ context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()

		return fmt.Errorf("watching %s: %w", dir, err)
	}

	l.watcher = watcher

	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		for {
			select {
			case <-l.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Name != l.path {
					continue
				}

				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				select {
				case l.c <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				l.log.WithError(err).Warn("Wake file watcher error")
			}
		}
	}()

	l.log.WithField("path", l.path).Debug("Wake listener started")

	return nil
}

// Stop ends the watch.
func (l *Listener) Stop() error {
	close(l.done)

	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}

	l.wg.Wait()

	return err
}
