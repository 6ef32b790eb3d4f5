package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/storecast/workq/common"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisKeyPrefix = "workq:"
	redisQueuesKey = redisKeyPrefix + "queues"
	redisMsgPrefix = redisKeyPrefix + "msg:"
	redisDlqPrefix = redisKeyPrefix + "dlq:"

	redisErrFull        = "FULL"
	redisErrNotFound    = "NOT_FOUND"
	redisErrNotInFlight = "NOT_IN_FLIGHT"
)

// Every index member is "<20-digit seq>:<message id>", so equal scores sort in insertion order.
// The message id starts at byte 22 (Lua strings are 1-based).
//
// The claim, peek and stats scripts derive workq:msg:{id} keys from index members, so those keys
// are not declared in KEYS. This needs a standalone Redis; NewRedisRepo refuses cluster mode.

// insertScript: KEYS ready, delayed, seq, msg, stats. ARGV maxSize, id, queueId, message, priority, now.
var insertScript = redis.NewScript(`
local pending = redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2])
if pending >= tonumber(ARGV[1]) then
	return redis.error_reply('FULL')
end
local seq = redis.call('INCR', KEYS[3])
local member = string.format('%020d:%s', seq, ARGV[2])
redis.call('HSET', KEYS[4],
	'id', ARGV[2], 'queue_id', ARGV[3], 'message', ARGV[4], 'status', 'pending',
	'priority', ARGV[5], 'retry_count', 0, 'visible_after', ARGV[6],
	'created_at', ARGV[6], 'updated_at', ARGV[6], 'member', member)
redis.call('ZADD', KEYS[1], -tonumber(ARGV[5]), member)
redis.call('HINCRBY', KEYS[5], 'total', 1)
return member
`)

// pickBest is shared by the claim and peek scripts. It returns the best candidate among the head of
// the ready set, the given extra members (due delayed or expired leased ones) and their owning set.
const pickBestLua = `
local function pickBest(readyKey, msgPrefix, sources)
	local best, bestPrio, bestSet = nil, nil, nil
	local top = redis.call('ZRANGE', readyKey, 0, 0, 'WITHSCORES')
	if #top > 0 then
		best, bestPrio, bestSet = top[1], -tonumber(top[2]), readyKey
	end
	for _, src in ipairs(sources) do
		for _, member in ipairs(src.members) do
			local prio = tonumber(redis.call('HGET', msgPrefix .. string.sub(member, 22), 'priority'))
			if best == nil or prio > bestPrio or (prio == bestPrio and member < best) then
				best, bestPrio, bestSet = member, prio, src.key
			end
		end
	end
	return best, bestSet
end
`

// claimScript: KEYS ready, delayed, leased. ARGV now, leaseUntil, consumerId, msgPrefix.
var claimScript = redis.NewScript(pickBestLua + `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, member in ipairs(due) do
	local prio = tonumber(redis.call('HGET', ARGV[4] .. string.sub(member, 22), 'priority'))
	redis.call('ZREM', KEYS[2], member)
	redis.call('ZADD', KEYS[1], -prio, member)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
local best, bestSet = pickBest(KEYS[1], ARGV[4], {{key = KEYS[3], members = expired}})
if best == nil then
	return false
end
local key = ARGV[4] .. string.sub(best, 22)
redis.call('ZREM', bestSet, best)
redis.call('HSET', key, 'status', 'processing', 'processing_started_at', ARGV[1],
	'consumer_id', ARGV[3], 'visible_after', ARGV[2], 'updated_at', ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], best)
return redis.call('HGETALL', key)
`)

// peekScript: KEYS ready, delayed, leased. ARGV now, msgPrefix.
var peekScript = redis.NewScript(pickBestLua + `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
local best = pickBest(KEYS[1], ARGV[2], {{key = KEYS[2], members = due}, {key = KEYS[3], members = expired}})
if best == nil then
	return false
end
return redis.call('HGETALL', ARGV[2] .. string.sub(best, 22))
`)

// completeScript: KEYS msg, leased, stats. ARGV now.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
	return redis.error_reply('NOT_IN_FLIGHT')
end
local started = tonumber(redis.call('HGET', KEYS[1], 'processing_started_at'))
redis.call('ZREM', KEYS[2], redis.call('HGET', KEYS[1], 'member'))
redis.call('HSET', KEYS[1], 'status', 'completed', 'completed_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('HINCRBY', KEYS[3], 'completed', 1)
redis.call('HINCRBY', KEYS[3], 'processing_ms', tonumber(ARGV[1]) - started)
return redis.call('HGETALL', KEYS[1])
`)

// failScript: KEYS msg, leased, delayed, dlq list, stats, dlq entry.
// ARGV expectedRetryCount, errorMessage, deadLetter, visibleAfter, now, deadLetterId.
var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
local retries = tonumber(redis.call('HGET', KEYS[1], 'retry_count'))
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' or retries ~= tonumber(ARGV[1]) then
	return redis.error_reply('NOT_IN_FLIGHT')
end
local member = redis.call('HGET', KEYS[1], 'member')
retries = retries + 1
redis.call('ZREM', KEYS[2], member)
redis.call('HSET', KEYS[1], 'retry_count', retries, 'error_message', ARGV[2],
	'visible_after', ARGV[4], 'updated_at', ARGV[5])
if ARGV[3] == '1' then
	redis.call('HSET', KEYS[1], 'status', 'failed')
	redis.call('HSET', KEYS[6], 'id', ARGV[6],
		'original_message_id', redis.call('HGET', KEYS[1], 'id'),
		'queue_id', redis.call('HGET', KEYS[1], 'queue_id'),
		'message', redis.call('HGET', KEYS[1], 'message'),
		'error_message', ARGV[2], 'retry_count', retries, 'last_retry_at', ARGV[5])
	redis.call('LPUSH', KEYS[4], ARGV[6])
	redis.call('HINCRBY', KEYS[5], 'failed', 1)
else
	redis.call('HSET', KEYS[1], 'status', 'pending')
	redis.call('ZADD', KEYS[3], ARGV[4], member)
end
return redis.call('HGETALL', KEYS[1])
`)

// statsScript: KEYS ready, delayed, leased, stats. ARGV now, msgPrefix.
var statsScript = redis.NewScript(`
local stats = redis.call('HGETALL', KEYS[4])
local counters = {total = 0, completed = 0, failed = 0, processing_ms = 0}
for i = 1, #stats, 2 do
	counters[stats[i]] = tonumber(stats[i + 1])
end
local length = redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2])
local consumers = {}
local consumerCount = 0
for _, member in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], '(' .. ARGV[1], '+inf')) do
	local consumer = redis.call('HGET', ARGV[2] .. string.sub(member, 22), 'consumer_id')
	if consumer and not consumers[consumer] then
		consumers[consumer] = true
		consumerCount = consumerCount + 1
	end
end
return {counters.total, counters.completed, counters.failed, counters.processing_ms, length, consumerCount}
`)

type RedisRepo struct {
	client *redis.Client
}

func NewRedisRepo(redisURL string) (*RedisRepo, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	info, err := client.Info(ctx, "cluster").Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read redis cluster info: %w", err)
	}
	if clusterEnabled(info) {
		client.Close()
		return nil, errors.New("redis cluster mode is not supported, use a standalone server")
	}

	return &RedisRepo{
		client: client,
	}, nil
}

func (rr *RedisRepo) EnsureQueue(ctx context.Context, newQueue *NewQueue) (*QueueRecord, error) {
	candidate, err := json.Marshal(QueueRecord{
		Id:                    newQueue.Id,
		Name:                  newQueue.Name,
		MaxSize:               newQueue.MaxSize,
		MessageTimeoutSeconds: newQueue.MessageTimeoutSeconds,
		MaxRetries:            newQueue.MaxRetries,
		ConsumerCount:         newQueue.ConsumerCount,
		AutoScaleThreshold:    newQueue.AutoScaleThreshold,
		CreatedAt:             newQueue.CreatedAt,
		UpdatedAt:             newQueue.CreatedAt,
	})
	if err != nil {
		return nil, common.NewStorageError("ensure queue", err)
	}

	if err := rr.client.HSetNX(ctx, redisQueuesKey, newQueue.Name, candidate).Err(); err != nil {
		log.Error().Err(err).Str("queue", newQueue.Name).Msg("failed to insert queue")
		return nil, common.NewStorageError("ensure queue", err)
	}

	return rr.SelectQueue(ctx, newQueue.Name)
}

func (rr *RedisRepo) SelectQueue(ctx context.Context, name string) (*QueueRecord, error) {
	stored, err := rr.client.HGet(ctx, redisQueuesKey, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, common.ErrNotFoundQueue
	}
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("failed to select queue")
		return nil, common.NewStorageError("select queue", err)
	}

	var q QueueRecord
	if err := json.Unmarshal(stored, &q); err != nil {
		return nil, common.NewStorageError("select queue", err)
	}
	return &q, nil
}

func (rr *RedisRepo) InsertMessage(ctx context.Context, newMessage *NewMessage, maxSize int) (*MessageRecord, error) {
	keys := []string{
		readyKey(newMessage.QueueId),
		delayedKey(newMessage.QueueId),
		seqKey(newMessage.QueueId),
		redisMsgPrefix + newMessage.Id,
		statsKey(newMessage.QueueId),
	}
	err := insertScript.Run(ctx, rr.client, keys,
		maxSize,
		newMessage.Id,
		newMessage.QueueId,
		newMessage.Message,
		newMessage.Priority,
		newMessage.CreatedAt,
	).Err()
	if err != nil {
		if err.Error() == redisErrFull {
			return nil, common.ErrQueueFull
		}
		log.Error().Err(err).Str("queue_id", newMessage.QueueId).Msg("failed to insert new message")
		return nil, common.NewStorageError("insert message", err)
	}

	return &MessageRecord{
		Id:           newMessage.Id,
		QueueId:      newMessage.QueueId,
		Message:      newMessage.Message,
		Status:       common.PendingStatus,
		Priority:     newMessage.Priority,
		VisibleAfter: newMessage.CreatedAt,
		CreatedAt:    newMessage.CreatedAt,
		UpdatedAt:    newMessage.CreatedAt,
	}, nil
}

func (rr *RedisRepo) ClaimMessage(ctx context.Context, claim *MessageClaim) (*MessageRecord, error) {
	keys := []string{readyKey(claim.QueueId), delayedKey(claim.QueueId), leasedKey(claim.QueueId)}
	res, err := claimScript.Run(ctx, rr.client, keys,
		claim.NowMs,
		claim.NowMs+claim.LeaseMs,
		claim.ConsumerId,
		redisMsgPrefix,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("queue_id", claim.QueueId).Msg("failed to claim message")
		return nil, common.NewStorageError("claim message", err)
	}
	return parseMessageHash(res)
}

func (rr *RedisRepo) PeekMessage(ctx context.Context, queueId string, nowMs int64) (*MessageRecord, error) {
	keys := []string{readyKey(queueId), delayedKey(queueId), leasedKey(queueId)}
	res, err := peekScript.Run(ctx, rr.client, keys, nowMs, redisMsgPrefix).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to peek message")
		return nil, common.NewStorageError("peek message", err)
	}
	return parseMessageHash(res)
}

func (rr *RedisRepo) CompleteMessage(ctx context.Context, messageId string, nowMs int64) (*MessageRecord, error) {
	queueId, err := rr.messageQueueId(ctx, messageId)
	if err != nil {
		return nil, err
	}

	keys := []string{redisMsgPrefix + messageId, leasedKey(queueId), statsKey(queueId)}
	res, err := completeScript.Run(ctx, rr.client, keys, nowMs).Slice()
	if err != nil {
		return nil, rr.scriptError("complete message", messageId, err)
	}
	return parseMessageHash(res)
}

func (rr *RedisRepo) FailMessage(ctx context.Context, failure *MessageFailure) (*MessageRecord, error) {
	queueId, err := rr.messageQueueId(ctx, failure.Id)
	if err != nil {
		return nil, err
	}

	deadLetter := "0"
	if failure.DeadLetter {
		deadLetter = "1"
	}
	keys := []string{
		redisMsgPrefix + failure.Id,
		leasedKey(queueId),
		delayedKey(queueId),
		dlqKey(queueId),
		statsKey(queueId),
		redisDlqPrefix + failure.DeadLetterId,
	}
	res, err := failScript.Run(ctx, rr.client, keys,
		failure.ExpectedRetryCount,
		failure.ErrorMessage,
		deadLetter,
		failure.VisibleAfter,
		failure.NowMs,
		failure.DeadLetterId,
	).Slice()
	if err != nil {
		return nil, rr.scriptError("fail message", failure.Id, err)
	}
	return parseMessageHash(res)
}

func (rr *RedisRepo) SelectMessage(ctx context.Context, messageId string) (*MessageRecord, error) {
	fields, err := rr.client.HGetAll(ctx, redisMsgPrefix+messageId).Result()
	if err != nil {
		log.Error().Err(err).Str("message_id", messageId).Msg("failed to select message")
		return nil, common.NewStorageError("select message", err)
	}
	if len(fields) == 0 {
		return nil, common.ErrNotFoundMessage
	}
	return messageFromFields(fields)
}

func (rr *RedisRepo) CountPendingMessages(ctx context.Context, queueId string) (int, error) {
	pipe := rr.client.Pipeline()
	ready := pipe.ZCard(ctx, readyKey(queueId))
	delayed := pipe.ZCard(ctx, delayedKey(queueId))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to count pending messages")
		return 0, common.NewStorageError("count pending messages", err)
	}
	return int(ready.Val() + delayed.Val()), nil
}

func (rr *RedisRepo) SelectQueueStats(ctx context.Context, queueId string, nowMs int64) (*QueueStats, error) {
	keys := []string{readyKey(queueId), delayedKey(queueId), leasedKey(queueId), statsKey(queueId)}
	res, err := statsScript.Run(ctx, rr.client, keys, nowMs, redisMsgPrefix).Int64Slice()
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to select queue stats")
		return nil, common.NewStorageError("select queue stats", err)
	}
	if len(res) != 6 {
		return nil, common.NewStorageError("select queue stats", fmt.Errorf("unexpected reply length %d", len(res)))
	}

	stats := &QueueStats{
		TotalMessages:     res[0],
		ProcessedMessages: res[1],
		FailedMessages:    res[2],
		CurrentLength:     res[4],
		ConsumerCount:     res[5],
	}
	if res[1] > 0 {
		stats.AvgProcessingTimeMs = float64(res[3]) / float64(res[1])
	}
	return stats, nil
}

func (rr *RedisRepo) SelectDeadLetters(ctx context.Context, queueId string, limit int) ([]DeadLetterRecord, error) {
	ids, err := rr.client.LRange(ctx, dlqKey(queueId), 0, int64(limit)-1).Result()
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to select dead letters")
		return nil, common.NewStorageError("select dead letters", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := rr.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, redisDlqPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, common.NewStorageError("select dead letters", err)
	}

	deadLetters := make([]DeadLetterRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		retryCount, _ := strconv.Atoi(fields["retry_count"])
		lastRetryAt, _ := strconv.ParseInt(fields["last_retry_at"], 10, 64)
		deadLetters = append(deadLetters, DeadLetterRecord{
			Id:                fields["id"],
			OriginalMessageId: fields["original_message_id"],
			QueueId:           fields["queue_id"],
			Message:           []byte(fields["message"]),
			ErrorMessage:      fields["error_message"],
			RetryCount:        retryCount,
			LastRetryAt:       lastRetryAt,
		})
	}
	return deadLetters, nil
}

func (rr *RedisRepo) SelectAllQueuesWithStats(ctx context.Context) ([]QueueMetadata, error) {
	stored, err := rr.client.HGetAll(ctx, redisQueuesKey).Result()
	if err != nil {
		log.Error().Err(err).Msg("failed to select queues with stats")
		return nil, common.NewStorageError("select queues", err)
	}

	queues := make([]QueueMetadata, 0, len(stored))
	for name, raw := range stored {
		var q QueueRecord
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			log.Warn().Err(err).Str("queue", name).Msg("skipping unreadable queue metadata")
			continue
		}
		count, err := rr.CountPendingMessages(ctx, q.Id)
		if err != nil {
			return nil, err
		}
		queues = append(queues, QueueMetadata{Id: q.Id, Name: q.Name, MessagesCount: count})
	}
	return queues, nil
}

func (rr *RedisRepo) Ping(ctx context.Context) error {
	return rr.client.Ping(ctx).Err()
}

func (rr *RedisRepo) Close() error {
	return rr.client.Close()
}

func (rr *RedisRepo) messageQueueId(ctx context.Context, messageId string) (string, error) {
	queueId, err := rr.client.HGet(ctx, redisMsgPrefix+messageId, "queue_id").Result()
	if errors.Is(err, redis.Nil) {
		return "", common.ErrNotFoundMessage
	}
	if err != nil {
		log.Error().Err(err).Str("message_id", messageId).Msg("failed to look up message queue")
		return "", common.NewStorageError("select message", err)
	}
	return queueId, nil
}

func (rr *RedisRepo) scriptError(op string, messageId string, err error) error {
	switch err.Error() {
	case redisErrNotFound:
		return common.ErrNotFoundMessage
	case redisErrNotInFlight:
		log.Warn().Str("message_id", messageId).Msg("message is not in flight")
		return common.ErrMessageNotInFlight
	}
	log.Error().Err(err).Str("message_id", messageId).Msg("failed to " + op)
	return common.NewStorageError(op, err)
}

// clusterEnabled reads the cluster_enabled field of an INFO cluster reply.
func clusterEnabled(info string) bool {
	for _, line := range strings.Split(info, "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), "cluster_enabled:"); ok {
			return value == "1"
		}
	}
	return false
}

func readyKey(queueId string) string {
	return redisKeyPrefix + "q:" + queueId + ":ready"
}

func delayedKey(queueId string) string {
	return redisKeyPrefix + "q:" + queueId + ":delayed"
}

func leasedKey(queueId string) string {
	return redisKeyPrefix + "q:" + queueId + ":leased"
}

func seqKey(queueId string) string {
	return redisKeyPrefix + "q:" + queueId + ":seq"
}

func statsKey(queueId string) string {
	return redisKeyPrefix + "q:" + queueId + ":stats"
}

func dlqKey(queueId string) string {
	return redisKeyPrefix + "q:" + queueId + ":dlq"
}

func parseMessageHash(res []interface{}) (*MessageRecord, error) {
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		key, _ := res[i].(string)
		value, _ := res[i+1].(string)
		fields[key] = value
	}
	return messageFromFields(fields)
}

func messageFromFields(fields map[string]string) (*MessageRecord, error) {
	msg := &MessageRecord{
		Id:      fields["id"],
		QueueId: fields["queue_id"],
		Message: []byte(fields["message"]),
		Status:  fields["status"],
	}

	var err error
	if msg.Priority, err = strconv.Atoi(fields["priority"]); err != nil {
		return nil, common.NewStorageError("parse message", err)
	}
	if msg.RetryCount, err = strconv.Atoi(fields["retry_count"]); err != nil {
		return nil, common.NewStorageError("parse message", err)
	}
	if msg.VisibleAfter, err = strconv.ParseInt(fields["visible_after"], 10, 64); err != nil {
		return nil, common.NewStorageError("parse message", err)
	}
	if msg.CreatedAt, err = strconv.ParseInt(fields["created_at"], 10, 64); err != nil {
		return nil, common.NewStorageError("parse message", err)
	}
	if msg.UpdatedAt, err = strconv.ParseInt(fields["updated_at"], 10, 64); err != nil {
		return nil, common.NewStorageError("parse message", err)
	}

	msg.ProcessingStartedAt = optionalInt64(fields, "processing_started_at")
	msg.CompletedAt = optionalInt64(fields, "completed_at")
	if v, ok := fields["error_message"]; ok {
		msg.ErrorMessage = &v
	}
	if v, ok := fields["consumer_id"]; ok {
		msg.ConsumerId = &v
	}
	return msg, nil
}

func optionalInt64(fields map[string]string, key string) *int64 {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
