// Package txn implements cleanup-or-commit semantics around externally
// visible side effects (volume creation, volume attachment, DNS changes).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package txn

import (
	"github.com/golang/glog"
)

// TransactionLog is one append-only audit entry for a side-effecting cloud
// API call.
type TransactionLog interface {
	Dict() map[string]interface{}
	Dry() bool
}

// Logger accumulates TransactionLog entries for a single worker. Each
// DomainExecutor holds its own; nothing here is shared across goroutines.
type Logger struct {
	Logs []TransactionLog
}

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Publish(logs ...TransactionLog) {
	l.Logs = append(l.Logs, logs...)
}

// Hold represents responsibility to either commit (finalize) or rollback
// (undo) one externally visible side effect.
type Hold interface {
	Commit() error
	Rollback() error
}

// Manager is an ordered stack of holds, tracking whether this scope is
// critical (failure must propagate) and an optional parent manager that
// inherits held resources on normal exit or on critical failure.
type Manager struct {
	holds    []Hold
	critical bool
	parent   *Manager
}

func NewManager(critical bool, parent *Manager) *Manager {
	return &Manager{critical: critical, parent: parent}
}

func (m *Manager) Push(h ...Hold) {
	m.holds = append(m.holds, h...)
}

// Move appends this manager's holds to other's stack, in the same order,
// and clears this manager's own stack. The parent is a non-owning
// back-reference: it must outlive the child by lexical nesting.
func (m *Manager) Move(other *Manager) {
	other.holds = append(other.holds, m.holds...)
	m.holds = nil
}

func (m *Manager) Commit() {
	for _, h := range m.holds {
		if err := h.Commit(); err != nil {
			glog.Warningf("commit failed (resource may remain transiently tagged): %v", err)
		}
	}
	m.holds = nil
}

// Rollback reverses holds in LIFO order. Every rollback is attempted even
// if an earlier one failed; failures are suppressed here because rollback
// is best-effort by design (residual cleanup is the safety net).
func (m *Manager) Rollback() {
	for i := len(m.holds) - 1; i >= 0; i-- {
		func(h Hold) {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("rollback panicked, continuing: %v", r)
				}
			}()
			if err := h.Rollback(); err != nil {
				glog.Errorf("rollback failed, continuing: %v", err)
			}
		}(m.holds[i])
	}
	m.holds = nil
}

// Run implements the scoped entry/exit contract of spec.md §4.1:
//
//   - normal exit, no parent        -> commit every hold in push-order
//   - normal exit, parent present   -> move holds to parent, clear self
//   - error exit, critical=true     -> move to parent if any, else rollback
//     locally; the error is always re-raised
//   - error exit, critical=false    -> rollback locally first, then move
//     to parent if any (so only holds the child itself accumulated after
//     that point survive); the error is swallowed
func (m *Manager) Run(fn func(*Manager) error) error {
	err := fn(m)
	if err != nil {
		if m.critical {
			if m.parent != nil {
				m.Move(m.parent)
			} else {
				m.Rollback()
			}
			return err
		}
		m.Rollback()
		if m.parent != nil {
			m.Move(m.parent)
		}
		return nil
	}

	if m.parent != nil {
		m.Move(m.parent)
	} else {
		m.Commit()
	}
	return nil
}

// Empty reports whether the hold stack has been fully drained, the
// invariant that must hold after every scope exit.
func (m *Manager) Empty() bool { return len(m.holds) == 0 }
