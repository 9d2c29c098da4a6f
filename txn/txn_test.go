package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHold struct {
	name      string
	committed *[]string
	rolled    *[]string
	failOnRollback bool
}

func (f *fakeHold) Commit() error {
	*f.committed = append(*f.committed, f.name)
	return nil
}

func (f *fakeHold) Rollback() error {
	*f.rolled = append(*f.rolled, f.name)
	if f.failOnRollback {
		return errors.New("boom")
	}
	return nil
}

func TestManagerCommitsInPushOrderOnNormalExit(t *testing.T) {
	var committed []string
	var rolled []string
	m := NewManager(true, nil)

	err := m.Run(func(tm *Manager) error {
		tm.Push(&fakeHold{name: "a", committed: &committed, rolled: &rolled})
		tm.Push(&fakeHold{name: "b", committed: &committed, rolled: &rolled})
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, committed)
	assert.Empty(t, rolled)
	assert.True(t, m.Empty())
}

func TestManagerMovesToParentOnNormalExit(t *testing.T) {
	var committed []string
	var rolled []string
	parent := NewManager(true, nil)
	child := NewManager(true, parent)

	err := child.Run(func(tm *Manager) error {
		tm.Push(&fakeHold{name: "child-hold", committed: &committed, rolled: &rolled})
		return nil
	})

	require.NoError(t, err)
	assert.True(t, child.Empty())
	assert.False(t, parent.Empty())
}

func TestManagerCriticalRollsBackLIFOAndReraises(t *testing.T) {
	var committed []string
	var rolled []string
	m := NewManager(true, nil)

	sentinel := errors.New("domain init failed")
	err := m.Run(func(tm *Manager) error {
		tm.Push(&fakeHold{name: "first", committed: &committed, rolled: &rolled})
		tm.Push(&fakeHold{name: "second", committed: &committed, rolled: &rolled})
		return sentinel
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, []string{"second", "first"}, rolled)
	assert.Empty(t, committed)
	assert.True(t, m.Empty())
}

func TestManagerRollbackContinuesPastFailures(t *testing.T) {
	var committed []string
	var rolled []string
	m := NewManager(true, nil)

	err := m.Run(func(tm *Manager) error {
		tm.Push(&fakeHold{name: "a", committed: &committed, rolled: &rolled, failOnRollback: true})
		tm.Push(&fakeHold{name: "b", committed: &committed, rolled: &rolled})
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Equal(t, []string{"b", "a"}, rolled)
}

func TestManagerNonCriticalSwallowsAfterRollback(t *testing.T) {
	var committed []string
	var rolled []string
	m := NewManager(false, nil)

	err := m.Run(func(tm *Manager) error {
		tm.Push(&fakeHold{name: "a", committed: &committed, rolled: &rolled})
		return errors.New("non-fatal for this volume")
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rolled)
}

func TestManagerNonCriticalRollsBackBeforeMovingToParent(t *testing.T) {
	var committed []string
	var rolled []string
	parent := NewManager(true, nil)
	child := NewManager(false, parent)

	err := child.Run(func(tm *Manager) error {
		tm.Push(&fakeHold{name: "rolled-back", committed: &committed, rolled: &rolled})
		return errors.New("non-fatal")
	})

	require.NoError(t, err)
	assert.True(t, child.Empty())
	assert.True(t, parent.Empty(), "holds pushed before the failure were rolled back, not moved")
}
