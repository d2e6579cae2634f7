package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptRegistryBeginEndInProgress(t *testing.T) {
	a := NewAttemptRegistry()
	ep := newEndpoint(1, 1)

	assert.False(t, a.InProgress(ep))
	a.Begin(ep)
	assert.True(t, a.InProgress(ep))
	a.End(ep)
	assert.False(t, a.InProgress(ep))
}

func TestAttemptRegistryPurgeRemovesOldEntriesOnly(t *testing.T) {
	a := NewAttemptRegistry()
	old := newEndpoint(1, 1)
	a.Begin(old)

	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)

	fresh := newEndpoint(2, 2)
	a.Begin(fresh)

	a.Purge(cutoff)
	assert.False(t, a.InProgress(old))
	assert.True(t, a.InProgress(fresh))
}

func TestAttemptRegistryStopClearsEverything(t *testing.T) {
	a := NewAttemptRegistry()
	ep := newEndpoint(1, 1)
	a.Begin(ep)
	a.Stop()
	assert.False(t, a.InProgress(ep))
}
