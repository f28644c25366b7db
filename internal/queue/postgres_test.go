package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"forge/internal/testutil"
)

func TestPostgresQueueSuite(t *testing.T) {
	pool, cleanup := testutil.NewPostgresTestPool(t)
	defer cleanup()

	q := NewPostgres(pool, nil)
	require.NoError(t, q.EnsureSchema(context.Background()))

	runQueueSuite(t, q)
}
