package dns

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRefreshable struct {
	stale     atomic.Bool
	refreshes atomic.Int32
}

func (f *fakeRefreshable) Stale() bool { return f.stale.Load() }

func (f *fakeRefreshable) Refresh() { f.refreshes.Add(1) }

func TestSweepRefresh(t *testing.T) {
	fresh := &fakeRefreshable{}
	expired := &fakeRefreshable{}
	expired.stale.Store(true)

	sweepRefresh([]refreshable{fresh, expired})

	assert.Eventually(t, func() bool {
		return expired.refreshes.Load() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, fresh.refreshes.Load())
}

func TestForceRefresh(t *testing.T) {
	a := &fakeRefreshable{}
	b := &fakeRefreshable{}
	forceRefresh([]refreshable{a, b})

	assert.Eventually(t, func() bool {
		return a.refreshes.Load() == 1 && b.refreshes.Load() == 1
	}, time.Second, 10*time.Millisecond)
}
