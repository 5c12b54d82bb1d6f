package abuse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGuard returns a guard with a manually advanced clock.
func newTestGuard(threshold int, window, banFor time.Duration) (*Guard, *time.Time) {
	g := NewGuard(threshold, window, banFor)
	g.Stop() // no background sweeping in unit tests

	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestEscalationAtThreshold(t *testing.T) {
	g, _ := newTestGuard(10, time.Minute, 10*time.Minute)

	for i := 1; i < 10; i++ {
		assert.False(t, g.TrackViolation("ip:2.2.2.2"), "violation %d must not ban", i)
	}
	assert.True(t, g.TrackViolation("ip:2.2.2.2"), "10th violation bans")

	banned, remaining := g.IsBanned("ip:2.2.2.2")
	require.True(t, banned)
	assert.Equal(t, 10*time.Minute, remaining)
	assert.Equal(t, 1, g.BannedCount())
}

func TestWindowExpiryResetsCount(t *testing.T) {
	g, now := newTestGuard(10, time.Minute, 10*time.Minute)

	for i := 0; i < 9; i++ {
		g.TrackViolation("ip:3.3.3.3")
	}
	assert.Equal(t, 9, g.Violations("ip:3.3.3.3"))

	// A denial after the window starts a fresh window of count 1.
	*now = now.Add(time.Minute)
	assert.False(t, g.TrackViolation("ip:3.3.3.3"))
	assert.Equal(t, 1, g.Violations("ip:3.3.3.3"))
}

func TestBanBoundaryIsStrictlyLessThan(t *testing.T) {
	g, now := newTestGuard(1, time.Minute, 10*time.Minute)

	require.True(t, g.TrackViolation("ip:4.4.4.4"))

	banned, _ := g.IsBanned("ip:4.4.4.4")
	require.True(t, banned)

	// One instant before expiry: still banned.
	*now = now.Add(10*time.Minute - time.Nanosecond)
	banned, remaining := g.IsBanned("ip:4.4.4.4")
	assert.True(t, banned)
	assert.Equal(t, time.Duration(time.Nanosecond), remaining)

	// Exactly at expiry: admitted, and the record is gone.
	*now = now.Add(time.Nanosecond)
	banned, _ = g.IsBanned("ip:4.4.4.4")
	assert.False(t, banned)
	assert.Equal(t, 0, g.BannedCount())
	assert.Equal(t, 0, g.Violations("ip:4.4.4.4"))
}

func TestBanRemainingDecreases(t *testing.T) {
	g, now := newTestGuard(1, time.Minute, 10*time.Minute)
	g.TrackViolation("ip:5.5.5.5")

	_, r1 := g.IsBanned("ip:5.5.5.5")
	*now = now.Add(3 * time.Second)
	_, r2 := g.IsBanned("ip:5.5.5.5")
	assert.Equal(t, r1-3*time.Second, r2)
}

func TestSweepEvictsAgedRecords(t *testing.T) {
	g, now := newTestGuard(10, time.Minute, 10*time.Minute)

	g.TrackViolation("ip:6.6.6.6")      // violation only
	require.True(t, func() bool {       // banned principal
		for i := 0; i < 10; i++ {
			if g.TrackViolation("ip:7.7.7.7") {
				return true
			}
		}
		return false
	}())

	// Nothing is old enough yet.
	g.sweep()
	assert.Equal(t, 1, g.Violations("ip:6.6.6.6"))
	assert.Equal(t, 1, g.BannedCount())

	// Past 2W and past the ban: both records go.
	*now = now.Add(11 * time.Minute)
	g.sweep()
	assert.Equal(t, 0, g.Violations("ip:6.6.6.6"))
	assert.Equal(t, 0, g.BannedCount())
	banned, _ := g.IsBanned("ip:7.7.7.7")
	assert.False(t, banned)
}

func TestConcurrentTracking(t *testing.T) {
	g := NewGuard(1000, time.Minute, 10*time.Minute)
	defer g.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.TrackViolation("ip:8.8.8.8")
				g.IsBanned("ip:8.8.8.8")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, g.Violations("ip:8.8.8.8"))
}
