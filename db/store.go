package db

import "context"

// Store is the durable backend shared by every queue client and worker.
// Implementations must make ClaimMessage a single atomic operation: two concurrent
// claims never return the same message.
type Store interface {
	// EnsureQueue creates the queue metadata row unless one with the same name exists,
	// and returns the stored row either way.
	EnsureQueue(ctx context.Context, newQueue *NewQueue) (*QueueRecord, error)

	// SelectQueue returns the metadata row of an existing queue, or common.ErrNotFoundQueue.
	SelectQueue(ctx context.Context, name string) (*QueueRecord, error)

	// InsertMessage inserts a pending message unless the queue already holds maxSize pending messages,
	// in which case common.ErrQueueFull is returned and nothing is written.
	InsertMessage(ctx context.Context, newMessage *NewMessage, maxSize int) (*MessageRecord, error)

	// ClaimMessage leases the highest-priority, oldest eligible message. Returns nil if none is eligible.
	ClaimMessage(ctx context.Context, claim *MessageClaim) (*MessageRecord, error)

	// PeekMessage returns what ClaimMessage would claim, without changing anything.
	PeekMessage(ctx context.Context, queueId string, nowMs int64) (*MessageRecord, error)

	CompleteMessage(ctx context.Context, messageId string, nowMs int64) (*MessageRecord, error)
	FailMessage(ctx context.Context, failure *MessageFailure) (*MessageRecord, error)

	SelectMessage(ctx context.Context, messageId string) (*MessageRecord, error)
	CountPendingMessages(ctx context.Context, queueId string) (int, error)
	SelectQueueStats(ctx context.Context, queueId string, nowMs int64) (*QueueStats, error)
	SelectDeadLetters(ctx context.Context, queueId string, limit int) ([]DeadLetterRecord, error)
	SelectAllQueuesWithStats(ctx context.Context) ([]QueueMetadata, error)

	Ping(ctx context.Context) error
	Close() error
}
