// Package csvlog writes activity events to a per-node CSV file:
// Timestamp, Peer ID, Type, Peer, Message.
package csvlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"murmur/activity"

	log "github.com/sirupsen/logrus"
)

const TimeLayout = "2006-01-02 15:04:05"

var Header = []string{"Timestamp", "Peer ID", "Type", "Peer", "Message"}

var ErrClosed = errors.New("csvlog: closed")

// Writer is an activity.Sink backed by a CSV file. Rows are written by a
// background goroutine; LogEvent only enqueues.
type Writer struct {
	node string
	path string
	now  func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan activity.Event
	done   chan struct{}

	f *os.File
	w *csv.Writer
}

var _ activity.Sink = (*Writer)(nil)

// FileName is the per-node log file name inside dir.
func FileName(dir string, node string) string {
	return filepath.Join(dir, fmt.Sprintf("peer_%s.csv", node))
}

// Open creates dir if needed and appends to the node's CSV file, writing the
// header only when the file is new.
func Open(dir string, node string, queueSize int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	path := FileName(dir, node)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	w := &Writer{
		node:  node,
		path:  path,
		now:   time.Now,
		queue: make(chan activity.Event, queueSize),
		done:  make(chan struct{}),
		f:     f,
		w:     csv.NewWriter(f),
	}

	if st.Size() == 0 {
		if err := w.w.Write(Header); err != nil {
			f.Close()
			return nil, err
		}
		w.w.Flush()
	}

	go w.run()

	log.Infof("Activity CSV log at %s", path)

	return w, nil
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) LogEvent(eventType string, peer string, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	ev := activity.Event{Timestamp: w.now(), Node: w.node, Type: eventType, Peer: peer, Message: message}
	select {
	case w.queue <- ev:
	default:
		log.Warnf("csvlog: queue full, dropping %s event for %s", eventType, peer)
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for ev := range w.queue {
		err := w.w.Write([]string{ev.Timestamp.Format(TimeLayout), ev.Node, ev.Type, ev.Peer, ev.Message})
		if err != nil {
			log.Errorf("csvlog: write %s: %v", w.path, err)
			continue
		}
		// Flush when the queue drains so rows show up promptly without a syscall per row.
		if len(w.queue) == 0 {
			w.w.Flush()
			if err := w.w.Error(); err != nil {
				log.Errorf("csvlog: flush %s: %v", w.path, err)
			}
		}
	}
	w.w.Flush()
}

// Close drains pending rows and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return w.f.Close()
}
