package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"toolmark-review/internal/domain/model"
)

type recordingWriter struct {
	mu      sync.Mutex
	events  []model.AuditEvent
	started chan struct{}
	release chan struct{}
	once    sync.Once
	fail    bool
}

func (w *recordingWriter) AppendAudit(_ context.Context, evt model.AuditEvent) error {
	if w.started != nil {
		w.once.Do(func() { close(w.started) })
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, evt)
	if w.fail {
		return errors.New("disk full")
	}
	return nil
}

func (w *recordingWriter) actions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.events))
	for _, e := range w.events {
		out = append(out, e.Action)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueDeliversInOrder(t *testing.T) {
	w := &recordingWriter{}
	q := NewQueue(w, 8, quietLogger())
	for _, a := range []string{"a", "b", "c"} {
		q.Send(model.AuditEvent{Action: a})
	}
	q.Close()

	require.Equal(t, []string{"a", "b", "c"}, w.actions())
	require.Zero(t, q.Dropped())
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	w := &recordingWriter{started: make(chan struct{}), release: make(chan struct{})}
	q := NewQueue(w, 2, quietLogger())

	q.Send(model.AuditEvent{Action: "first"})
	<-w.started // worker 持有 first 并阻塞

	for _, a := range []string{"x1", "x2", "x3", "x4"} {
		q.Send(model.AuditEvent{Action: a})
	}
	require.Equal(t, int64(2), q.Dropped())

	close(w.release)
	q.Close()
	require.Equal(t, []string{"first", "x3", "x4"}, w.actions())
}

func TestQueueSwallowsWriteFailures(t *testing.T) {
	w := &recordingWriter{fail: true}
	q := NewQueue(w, 4, quietLogger())
	q.Send(model.AuditEvent{Action: "a"})
	q.Close()
	require.Len(t, w.actions(), 1)
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	q := NewQueue(&recordingWriter{}, 1, quietLogger())
	q.Close()
	q.Close()
	q.Send(model.AuditEvent{Action: "late"})
	require.Equal(t, int64(1), q.Dropped())
}
