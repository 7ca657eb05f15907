package caseimport

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"toolmark-review/internal/domain/model"
)

// partition 标识一个补偿动作所在的存储分区；不同分区互不相干，可以并发回滚。
type partition string

const (
	partitionBlob    partition = "blob"
	partitionRecord  partition = "record"
	partitionProfile partition = "profile"
)

// completedAction 是一条已完成的写操作及其逆操作。
type completedAction struct {
	name      string
	partition partition
	undo      func(ctx context.Context) error
}

// actionLog 是一次导入的追加式写操作日志，只在回滚时读取，导入结束即丢弃。
type actionLog struct {
	mu      sync.Mutex
	actions []completedAction
}

func (l *actionLog) record(name string, p partition, undo func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, completedAction{name: name, partition: p, undo: undo})
}

func (l *actionLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

// rollback 按分区并发执行逆操作；同一分区内按完成顺序的逆序执行。
// 任何一条逆操作失败都不影响其它逆操作（settle-all），所有失败一并返回。
func (l *actionLog) rollback(ctx context.Context) []error {
	l.mu.Lock()
	byPartition := map[partition][]completedAction{}
	var order []partition
	for _, a := range l.actions {
		if _, ok := byPartition[a.partition]; !ok {
			order = append(order, a.partition)
		}
		byPartition[a.partition] = append(byPartition[a.partition], a)
	}
	l.actions = nil
	l.mu.Unlock()

	// 回滚运行在已失败的路径上，不受调用方取消影响。
	ctx = context.WithoutCancel(ctx)

	failures := make([][]error, len(order))
	var g errgroup.Group
	for i, p := range order {
		actions := byPartition[p]
		g.Go(func() error {
			for j := len(actions) - 1; j >= 0; j-- {
				a := actions[j]
				if err := a.undo(ctx); err != nil {
					failures[i] = append(failures[i], errors.Mark(
						errors.Wrapf(err, "rollback %s (%s)", a.name, a.partition),
						model.ErrRollback,
					))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []error
	for _, errs := range failures {
		out = append(out, errs...)
	}
	return out
}
