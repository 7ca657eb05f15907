// Package audit 提供异步审计通道：有界队列 + 单个写入 worker。
//
// Send 永不阻塞调用方；队列满时丢弃最旧的事件。写入失败只记录本地警告。
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
)

const (
	DefaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Writer 是审计事件的落地端（默认为 sqlite.Store）。
type Writer interface {
	AppendAudit(ctx context.Context, evt model.AuditEvent) error
}

type Queue struct {
	w      Writer
	logger *slog.Logger

	mu     sync.RWMutex
	ch     chan model.AuditEvent
	closed bool

	dropped atomic.Int64
	done    chan struct{}
}

var _ storage.AuditSink = (*Queue)(nil)

// NewQueue 创建队列并启动写入 worker。
func NewQueue(w Writer, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		w:      w,
		logger: logger,
		ch:     make(chan model.AuditEvent, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Send 投递事件。队列已满时先丢弃最旧的一条再重试；队列关闭后事件直接计入丢弃。
func (q *Queue) Send(evt model.AuditEvent) {
	if evt.OccurredAt <= 0 {
		evt.OccurredAt = time.Now().Unix()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}

	for {
		select {
		case q.ch <- evt:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			q.logger.Warn("audit queue full, dropping oldest event",
				"correlation_id", old.CorrelationID,
				"case_number", old.CaseNumber,
				"action", old.Action,
			)
		default:
		}
	}
}

// Dropped 返回累计丢弃的事件数。
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close 停止接收新事件，等待 worker 写完队列中剩余事件。
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for evt := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := q.w.AppendAudit(ctx, evt)
		cancel()
		if err != nil {
			q.logger.Warn("audit event not persisted",
				"correlation_id", evt.CorrelationID,
				"case_number", evt.CaseNumber,
				"event_type", evt.EventType,
				"action", evt.Action,
				"error", err,
			)
		}
	}
}
