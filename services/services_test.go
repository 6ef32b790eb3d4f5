package services

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/storecast/workq/common"
	"github.com/storecast/workq/configs"
	"github.com/storecast/workq/db"
	"github.com/storecast/workq/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServices(t *testing.T, mutate func(*configs.AppConfigs)) (*QueuesService, *MessagesService, *db.SQLiteRepo) {
	t.Helper()

	repo, err := db.NewSQLiteRepo(filepath.Join(t.TempDir(), "workq.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	appConfigs := configs.NewAppConfig()
	if mutate != nil {
		mutate(appConfigs)
	}

	queuesService := NewQueuesService(repo, appConfigs, metrics.NewMetricsService(false, nil))
	return queuesService, NewMessagesService(queuesService, appConfigs), repo
}

func TestQueuesService_GetQueueIsCached(t *testing.T) {
	queuesService, _, _ := newTestServices(t, nil)
	ctx := context.Background()

	first, err := queuesService.GetQueue(ctx, "emails")
	require.NoError(t, err)
	second, err := queuesService.GetQueue(ctx, "emails")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 10_000, first.Config().MaxSize)
}

func TestQueuesService_LookupQueueDoesNotCreate(t *testing.T) {
	queuesService, messagesService, repo := newTestServices(t, nil)
	ctx := context.Background()

	_, err := queuesService.LookupQueue(ctx, "ghost")
	assert.ErrorIs(t, err, common.ErrNotFoundQueue)
	_, err = messagesService.PeekMessage(ctx, "ghost")
	assert.ErrorIs(t, err, common.ErrNotFoundQueue)
	msg, err := messagesService.FetchMessage(ctx, "ghost", "")
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = repo.SelectQueue(ctx, "ghost")
	assert.ErrorIs(t, err, common.ErrNotFoundQueue)

	created, err := queuesService.GetQueue(ctx, "ghost")
	require.NoError(t, err)
	found, err := queuesService.LookupQueue(ctx, "ghost")
	require.NoError(t, err)
	assert.Same(t, created, found)
}

func TestQueuesService_GetQueuesStats(t *testing.T) {
	queuesService, messagesService, _ := newTestServices(t, nil)
	ctx := context.Background()

	for _, name := range []string{"b-queue", "a-queue", "a-queue"} {
		_, err := messagesService.ProcessNewMessage(ctx, name, common.NewMessageRequest{Message: json.RawMessage(`{"k":1}`)})
		require.NoError(t, err)
	}

	stats, err := queuesService.GetQueuesStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "a-queue", stats[0].Name)
	assert.Equal(t, 2, stats[0].MessagesCount)
	assert.Equal(t, "b-queue", stats[1].Name)
	assert.Equal(t, 1, stats[1].MessagesCount)
}

func TestMessagesService_RejectsInvalidMessages(t *testing.T) {
	_, messagesService, _ := newTestServices(t, func(c *configs.AppConfigs) {
		c.MessageMaxSizeBytes = 4
	})
	ctx := context.Background()

	_, err := messagesService.ProcessNewMessage(ctx, "q", common.NewMessageRequest{})
	assert.ErrorIs(t, err, common.ErrBadRequestInvalidBody)

	_, err = messagesService.ProcessNewMessage(ctx, "q", common.NewMessageRequest{Message: json.RawMessage(`"too long"`)})
	assert.ErrorIs(t, err, common.ErrBadRequestPayloadTooLarge)
}

func TestMessagesService_FetchMessagePolls(t *testing.T) {
	_, messagesService, _ := newTestServices(t, func(c *configs.AppConfigs) {
		c.PollingDuration = 300 * time.Millisecond
	})
	ctx := context.Background()

	start := time.Now()
	msg, err := messagesService.FetchMessage(ctx, "slow", "")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = messagesService.ProcessNewMessage(ctx, "slow", common.NewMessageRequest{Message: json.RawMessage(`1`)})
	}()
	msg, err = messagesService.FetchMessage(ctx, "slow", "consumer-x")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "consumer-x", msg.ConsumerID)
}

func TestMessagesService_AckAndNack(t *testing.T) {
	_, messagesService, _ := newTestServices(t, nil)
	ctx := context.Background()

	_, err := messagesService.ProcessNewMessage(ctx, "q", common.NewMessageRequest{Message: json.RawMessage(`1`)})
	require.NoError(t, err)
	_, err = messagesService.ProcessNewMessage(ctx, "q", common.NewMessageRequest{Message: json.RawMessage(`2`)})
	require.NoError(t, err)

	first, err := messagesService.FetchMessage(ctx, "q", "")
	require.NoError(t, err)
	second, err := messagesService.FetchMessage(ctx, "q", "")
	require.NoError(t, err)

	require.NoError(t, messagesService.AckMessage(ctx, "q", first.ID))
	require.NoError(t, messagesService.NackMessage(ctx, "q", second.ID, "try later"))

	got, err := messagesService.GetMessage(ctx, "q", second.ID)
	require.NoError(t, err)
	assert.Equal(t, common.PendingStatus, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "try later", got.ErrorMessage)

	peeked, err := messagesService.PeekMessage(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, peeked, "retried message is still backing off")
}

func TestMonitoringService_IsHealthy(t *testing.T) {
	_, _, repo := newTestServices(t, nil)
	monitoringService := NewMonitoringService(repo)

	assert.True(t, monitoringService.IsHealthy(context.Background()))

	require.NoError(t, repo.Close())
	assert.False(t, monitoringService.IsHealthy(context.Background()))
}
