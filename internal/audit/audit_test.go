package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(nil, database.NewRedisFromClient(client), logger.New("audit-test", "test"), false), mr
}

func TestRecordQueuesEntry(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	svc.Record(ctx, Entry{
		RealmID:             1,
		PrincipalID:         42,
		ActionName:          "read",
		ResourceTypeName:    "document",
		Decision:            true,
		ExternalResourceIDs: []string{"doc-a", "doc-b"},
	})

	values, err := mr.List(QueueKey)
	require.NoError(t, err)
	require.Len(t, values, 1)

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(values[0]), &entry))
	assert.Equal(t, 1, entry.RealmID)
	assert.Equal(t, 42, entry.PrincipalID)
	assert.Equal(t, "read", entry.ActionName)
	assert.Equal(t, "document", entry.ResourceTypeName)
	assert.True(t, entry.Decision)
	assert.Equal(t, []string{"doc-a", "doc-b"}, entry.ExternalResourceIDs)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestRecordPreservesTimestamp(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.Record(ctx, Entry{RealmID: 1, PrincipalID: 1, Decision: false, Timestamp: ts})

	values, err := mr.List(QueueKey)
	require.NoError(t, err)
	require.Len(t, values, 1)

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(values[0]), &entry))
	assert.True(t, entry.Timestamp.Equal(ts))
}

func TestQueueDepth(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	depth, err := svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	svc.Record(ctx, Entry{RealmID: 1, PrincipalID: 1, Decision: true})
	svc.Record(ctx, Entry{RealmID: 1, PrincipalID: 2, Decision: false})

	depth, err = svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestDrainOneMalformedEntryIsDropped(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.Lpush(QueueKey, "{not json")
	require.NoError(t, svc.DrainOne(ctx))

	depth, err := svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDrainOneRequeuesOnWriteFailure(t *testing.T) {
	// No database behind this service, so the write fails and the entry
	// must return to the queue.
	svc, mr := newTestService(t)
	ctx := context.Background()

	svc.Record(ctx, Entry{RealmID: 1, PrincipalID: 1, Decision: true})
	err := svc.DrainOne(ctx)
	assert.Error(t, err)

	values, listErr := mr.List(QueueKey)
	require.NoError(t, listErr)
	assert.Len(t, values, 1)
}
