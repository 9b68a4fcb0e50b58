package transport

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/serialmux/pkg/log"
)

// DefaultSettleDelay is how long the watcher waits after the last event on
// the device node before signalling, giving udev time to apply permissions.
const DefaultSettleDelay = 100 * time.Millisecond

// Watcher signals when a device node is created or changed in its parent
// directory. It lets a reconnect loop retry as soon as a device reappears
// instead of waiting out its backoff.
type Watcher struct {
	path   string
	settle time.Duration
	fw     *fsnotify.Watcher
	logger log.Logger

	appeared chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	debounce *time.Timer
	closed   bool
}

// WatchDevice starts watching the directory that holds path. A
// non-positive settle uses DefaultSettleDelay.
func WatchDevice(path string, settle time.Duration, logger log.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		settle:   settle,
		fw:       fw,
		logger:   log.OrNoop(logger),
		appeared: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Appeared fires at most once per burst of events on the device node.
func (w *Watcher) Appeared() <-chan struct{} { return w.appeared }

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			// Writes to the node are our own traffic, not a replug.
			if event.Op&(fsnotify.Create|fsnotify.Chmod) == 0 {
				continue
			}
			w.signalAfter(w.settle)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("device watcher error", log.Err(err))
		}
	}
}

func (w *Watcher) signalAfter(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, func() {
		select {
		case w.appeared <- struct{}{}:
		default:
		}
	})
}
