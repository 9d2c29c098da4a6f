package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSupportedHypervisorAcceptsKnownPrefixes(t *testing.T) {
	assert.True(t, IsSupportedHypervisor("xen"))
	assert.True(t, IsSupportedHypervisor("nitro"))
	assert.True(t, IsSupportedHypervisor("xen-on-nitro"))
	assert.False(t, IsSupportedHypervisor("hyperv"))
	assert.False(t, IsSupportedHypervisor(""))
}

func TestInterruptScheduleValidBeforeActionTime(t *testing.T) {
	s := &InterruptSchedule{ActionTime: time.Now().UTC().Add(time.Minute), Action: "terminate"}
	assert.True(t, s.Valid())
}

func TestInterruptScheduleInvalidAfterActionTime(t *testing.T) {
	s := &InterruptSchedule{ActionTime: time.Now().UTC().Add(-time.Minute), Action: "terminate"}
	assert.False(t, s.Valid())
}

func TestInterruptScheduleNilIsInvalid(t *testing.T) {
	var s *InterruptSchedule
	assert.False(t, s.Valid())
}
