package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/storecast/workq/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Each SQLiteRepo owns its own connection, so several handles on one file behave like separate processes.
func TestSQLiteRepo_ConcurrentHandlesNeverClaimTwice(t *testing.T) {
	const (
		handles            = 4
		consumersPerHandle = 2
		messages           = 120
	)
	dbPath := filepath.Join(t.TempDir(), "workq.db")

	repos := make([]*SQLiteRepo, handles)
	for i := range repos {
		repo, err := NewSQLiteRepo(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		repos[i] = repo
	}
	require.NoError(t, repos[0].Migrate())

	q := ensureTestQueue(t, repos[0], messages)
	for i := range messages {
		insertTestMessage(t, repos[0], q, fmt.Sprintf(`{"n":%d}`, i), i%3, baseMs)
	}

	ctx := context.Background()
	var (
		mu        sync.Mutex
		claimed   = make(map[string]int)
		conflicts atomic.Int64
		wg        sync.WaitGroup
	)
	for i, repo := range repos {
		for c := range consumersPerHandle {
			wg.Add(1)
			go func(repo *SQLiteRepo, consumerId string) {
				defer wg.Done()
				for range messages * 10 {
					msg, err := repo.ClaimMessage(ctx, &MessageClaim{
						QueueId:    q.Id,
						ConsumerId: consumerId,
						NowMs:      baseMs,
						LeaseMs:    minuteMs,
					})
					if errors.Is(err, common.ErrClaimConflict) {
						conflicts.Add(1)
						continue
					}
					if err != nil {
						t.Errorf("claim failed: %v", err)
						return
					}
					if msg == nil {
						return
					}
					mu.Lock()
					claimed[msg.Id]++
					mu.Unlock()
				}
			}(repo, fmt.Sprintf("consumer-%d-%d", i, c))
		}
	}
	wg.Wait()

	assert.Len(t, claimed, messages)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "message %s claimed %d times", id, n)
	}
	t.Logf("claim conflicts: %d", conflicts.Load())
}

func TestSQLiteRepo_ClaimReportsConflictWhileLocked(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workq.db")
	ctx := context.Background()

	holder, err := NewSQLiteRepo(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	require.NoError(t, holder.Migrate())

	q := ensureTestQueue(t, holder, 10)
	insertTestMessage(t, holder, q, `{"n":1}`, 0, baseMs)

	// no busy timeout: a locked database fails the statement at once
	impatient, err := openSQLiteRepo(dbPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = impatient.Close() })

	// BEGIN IMMEDIATE, the write lock is held until rollback
	tx, err := holder.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = impatient.db.ExecContext(ctx, `UPDATE queue_messages SET updated_at = updated_at WHERE queue_id = ?;`, q.Id)
	require.Error(t, err)
	assert.True(t, isSQLiteBusyError(err), "expected SQLITE_BUSY, got %v", err)

	claimArgs := &MessageClaim{QueueId: q.Id, ConsumerId: "c1", NowMs: baseMs, LeaseMs: minuteMs}
	msg, err := impatient.ClaimMessage(ctx, claimArgs)
	assert.ErrorIs(t, err, common.ErrClaimConflict)
	assert.Nil(t, msg)

	require.NoError(t, tx.Rollback())

	msg, err = impatient.ClaimMessage(ctx, claimArgs)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, common.ProcessingStatus, msg.Status)
}
