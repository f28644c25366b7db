package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"forge/internal/testutil"
)

func TestRedisQueueSuite(t *testing.T) {
	client, cleanup := testutil.NewRedisTestClient(t)
	defer cleanup()

	runQueueSuite(t, NewRedis(client, nil))
}

func TestPendingScoreOrdering(t *testing.T) {
	now := time.Now()

	// Higher priority sorts lower (better) regardless of availability.
	high := pendingScore(5, now.Add(time.Hour))
	low := pendingScore(0, now)
	assert.Less(t, high, low)

	// Within a priority, earlier availability wins.
	early := pendingScore(2, now)
	later := pendingScore(2, now.Add(time.Second))
	assert.Less(t, early, later)
}
