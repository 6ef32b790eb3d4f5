package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/storecast/workq/common"

	"github.com/rs/zerolog/log"
	sqlite3 "modernc.org/sqlite"
)

const (
	messageColumns = `id, queue_id, message, status, priority, retry_count, visible_after,
		processing_started_at, completed_at, error_message, consumer_id, created_at, updated_at`

	queueColumns = `id, name, max_size, message_timeout_seconds, max_retries, consumer_count,
		auto_scale_threshold, created_at, updated_at`

	sqliteBusy   = 5
	sqliteLocked = 6

	defaultBusyTimeoutMs = 5000
)

type SQLiteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(dbPath string) (*SQLiteRepo, error) {
	return openSQLiteRepo(dbPath, defaultBusyTimeoutMs)
}

func openSQLiteRepo(dbPath string, busyTimeoutMs int) (*SQLiteRepo, error) {
	// _txlock=immediate takes the write lock at BEGIN, so transactions never fail on lock upgrade
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath, busyTimeoutMs)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer per process; other processes are serialised by SQLite's own locking
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepo{
		db: db,
	}, nil
}

func (sr *SQLiteRepo) EnsureQueue(ctx context.Context, newQueue *NewQueue) (*QueueRecord, error) {
	query := `
		INSERT INTO queues (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING;`

	_, err := sr.db.ExecContext(ctx, query,
		newQueue.Id,                    // id
		newQueue.Name,                  // name
		newQueue.MaxSize,               // max_size
		newQueue.MessageTimeoutSeconds, // message_timeout_seconds
		newQueue.MaxRetries,            // max_retries
		newQueue.ConsumerCount,         // consumer_count
		newQueue.AutoScaleThreshold,    // auto_scale_threshold
		newQueue.CreatedAt,             // created_at
		newQueue.CreatedAt,             // updated_at
	)
	if err != nil {
		log.Error().Err(err).Str("queue", newQueue.Name).Msg("failed to insert queue")
		return nil, common.NewStorageError("ensure queue", err)
	}

	return sr.SelectQueue(ctx, newQueue.Name)
}

func (sr *SQLiteRepo) SelectQueue(ctx context.Context, name string) (*QueueRecord, error) {
	var q QueueRecord
	err := sr.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE name = ?;`, name).Scan(
		&q.Id, &q.Name, &q.MaxSize, &q.MessageTimeoutSeconds, &q.MaxRetries, &q.ConsumerCount,
		&q.AutoScaleThreshold, &q.CreatedAt, &q.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFoundQueue
	}
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("failed to select queue")
		return nil, common.NewStorageError("select queue", err)
	}
	return &q, nil
}

func (sr *SQLiteRepo) InsertMessage(ctx context.Context, newMessage *NewMessage, maxSize int) (*MessageRecord, error) {
	// capacity check and insert in one statement, so concurrent producers can't overshoot maxSize
	query := `
		INSERT INTO queue_messages (id, queue_id, message, status, priority, retry_count, visible_after, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, 0, ?, ?, ?
		WHERE (
			SELECT COUNT(*)
			FROM queue_messages
			WHERE queue_id = ? AND status = ?
		) < ?;`

	result, err := sr.db.ExecContext(ctx, query,
		newMessage.Id,        // id
		newMessage.QueueId,   // queue_id
		newMessage.Message,   // message
		common.PendingStatus, // status
		newMessage.Priority,  // priority
		newMessage.CreatedAt, // visible_after
		newMessage.CreatedAt, // created_at
		newMessage.CreatedAt, // updated_at
		newMessage.QueueId,   // WHERE queue_id = ?
		common.PendingStatus, // AND status = ?
		maxSize,              // ) < ?
	)
	if err != nil {
		log.Error().Err(err).Str("queue_id", newMessage.QueueId).Msg("failed to insert new message")
		return nil, common.NewStorageError("insert message", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, common.NewStorageError("insert message", err)
	}
	if rowsAffected == 0 {
		return nil, common.ErrQueueFull
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

func (sr *SQLiteRepo) ClaimMessage(ctx context.Context, claim *MessageClaim) (*MessageRecord, error) {
	// The eligibility predicate is repeated in the outer WHERE: the row is only updated
	// if it is still claimable at write time, which makes this a compare-and-swap.
	// A processing row whose lease has elapsed is claimable again.
	query := `
		UPDATE queue_messages
		SET
			status = ?,
			processing_started_at = ?,
			consumer_id = ?,
			visible_after = ?,
			updated_at = ?
		WHERE id = (
			SELECT id
			FROM queue_messages
			WHERE queue_id = ?
			  AND status IN (?, ?)
			  AND visible_after <= ?
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1
		)
		  AND status IN (?, ?)
		  AND visible_after <= ?
		RETURNING ` + messageColumns + `;`

	msg, err := scanMessage(sr.db.QueryRowContext(ctx, query,
		common.ProcessingStatus,   // SET status = ?
		claim.NowMs,               // processing_started_at = ?
		claim.ConsumerId,          // consumer_id = ?
		claim.NowMs+claim.LeaseMs, // visible_after = ?
		claim.NowMs,               // updated_at = ?
		claim.QueueId,             // WHERE queue_id = ?
		common.PendingStatus,      // AND status IN (?,
		common.ProcessingStatus,   //                 ?)
		claim.NowMs,               // AND visible_after <= ?
		common.PendingStatus,      // AND status IN (?,
		common.ProcessingStatus,   //                 ?)
		claim.NowMs,               // AND visible_after <= ?
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if isSQLiteBusyError(err) {
			return nil, common.ErrClaimConflict
		}
		log.Error().Err(err).Str("queue_id", claim.QueueId).Msg("failed to claim message")
		return nil, common.NewStorageError("claim message", err)
	}
	return msg, nil
}

func (sr *SQLiteRepo) PeekMessage(ctx context.Context, queueId string, nowMs int64) (*MessageRecord, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM queue_messages
		WHERE queue_id = ?
		  AND status IN (?, ?)
		  AND visible_after <= ?
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT 1;`

	msg, err := scanMessage(sr.db.QueryRowContext(ctx, query,
		queueId,                 // WHERE queue_id = ?
		common.PendingStatus,    // AND status IN (?,
		common.ProcessingStatus, //                 ?)
		nowMs,                   // AND visible_after <= ?
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to peek message")
		return nil, common.NewStorageError("peek message", err)
	}
	return msg, nil
}

func (sr *SQLiteRepo) CompleteMessage(ctx context.Context, messageId string, nowMs int64) (*MessageRecord, error) {
	query := `
		UPDATE queue_messages
		SET
			status = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING ` + messageColumns + `;`

	msg, err := scanMessage(sr.db.QueryRowContext(ctx, query,
		common.CompletedStatus,  // SET status = ?
		nowMs,                   // completed_at = ?
		nowMs,                   // updated_at = ?
		messageId,               // WHERE id = ?
		common.ProcessingStatus, // AND status = ?
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sr.notInFlightReason(ctx, messageId)
	}
	if err != nil {
		log.Error().Err(err).Str("message_id", messageId).Msg("failed to complete message")
		return nil, common.NewStorageError("complete message", err)
	}
	return msg, nil
}

func (sr *SQLiteRepo) FailMessage(ctx context.Context, failure *MessageFailure) (*MessageRecord, error) {
	tx, err := sr.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Str("message_id", failure.Id).Msg("failed to begin transaction")
		return nil, common.NewStorageError("fail message", err)
	}
	defer tx.Rollback()

	status := common.PendingStatus
	if failure.DeadLetter {
		status = common.FailedStatus
	}

	query := `
		UPDATE queue_messages
		SET
			status = ?,
			retry_count = retry_count + 1,
			visible_after = ?,
			error_message = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND retry_count = ?
		RETURNING ` + messageColumns + `;`

	msg, err := scanMessage(tx.QueryRowContext(ctx, query,
		status,                     // SET status = ?
		failure.VisibleAfter,       // visible_after = ?
		failure.ErrorMessage,       // error_message = ?
		failure.NowMs,              // updated_at = ?
		failure.Id,                 // WHERE id = ?
		common.ProcessingStatus,    // AND status = ?
		failure.ExpectedRetryCount, // AND retry_count = ?
	))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, sr.notInFlightReason(ctx, failure.Id)
	}
	if err != nil {
		log.Error().Err(err).Str("message_id", failure.Id).Msg("failed to update message on failure")
		return nil, common.NewStorageError("fail message", err)
	}

	if failure.DeadLetter {
		insert := `
			INSERT INTO dead_letters (id, original_message_id, queue_id, message, error_message, retry_count, last_retry_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);`

		_, err = tx.ExecContext(ctx, insert,
			failure.DeadLetterId, // id
			msg.Id,               // original_message_id
			msg.QueueId,          // queue_id
			msg.Message,          // message
			failure.ErrorMessage, // error_message
			msg.RetryCount,       // retry_count
			failure.NowMs,        // last_retry_at
		)
		if err != nil {
			log.Error().Err(err).Str("message_id", failure.Id).Msg("failed to insert dead letter")
			return nil, common.NewStorageError("insert dead letter", err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("message_id", failure.Id).Msg("failed to commit message failure")
		return nil, common.NewStorageError("fail message", err)
	}
	return msg, nil
}

func (sr *SQLiteRepo) SelectMessage(ctx context.Context, messageId string) (*MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM queue_messages WHERE id = ?;`

	msg, err := scanMessage(sr.db.QueryRowContext(ctx, query, messageId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFoundMessage
	}
	if err != nil {
		log.Error().Err(err).Str("message_id", messageId).Msg("failed to select message")
		return nil, common.NewStorageError("select message", err)
	}
	return msg, nil
}

func (sr *SQLiteRepo) CountPendingMessages(ctx context.Context, queueId string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM queue_messages
		WHERE queue_id = ? AND status = ?;`

	var count int
	err := sr.db.QueryRowContext(ctx, query, queueId, common.PendingStatus).Scan(&count)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to count pending messages")
		return 0, common.NewStorageError("count pending messages", err)
	}
	return count, nil
}

func (sr *SQLiteRepo) SelectQueueStats(ctx context.Context, queueId string, nowMs int64) (*QueueStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = ? THEN completed_at - processing_started_at END), 0.0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT CASE WHEN status = ? AND visible_after > ? THEN consumer_id END)
		FROM queue_messages
		WHERE queue_id = ?;`

	var stats QueueStats
	err := sr.db.QueryRowContext(ctx, query,
		common.CompletedStatus,  // processed
		common.FailedStatus,     // failed
		common.CompletedStatus,  // avg processing time
		common.PendingStatus,    // current length
		common.ProcessingStatus, // consumers holding a live lease
		nowMs,                   // AND visible_after > ?
		queueId,                 // WHERE queue_id = ?
	).Scan(
		&stats.TotalMessages,
		&stats.ProcessedMessages,
		&stats.FailedMessages,
		&stats.AvgProcessingTimeMs,
		&stats.CurrentLength,
		&stats.ConsumerCount,
	)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to select queue stats")
		return nil, common.NewStorageError("select queue stats", err)
	}
	return &stats, nil
}

func (sr *SQLiteRepo) SelectDeadLetters(ctx context.Context, queueId string, limit int) ([]DeadLetterRecord, error) {
	query := `
		SELECT id, original_message_id, queue_id, message, error_message, retry_count, last_retry_at
		FROM dead_letters
		WHERE queue_id = ?
		ORDER BY last_retry_at DESC, rowid DESC
		LIMIT ?;`

	rows, err := sr.db.QueryContext(ctx, query, queueId, limit)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to select dead letters")
		return nil, common.NewStorageError("select dead letters", err)
	}
	defer rows.Close()

	var deadLetters []DeadLetterRecord
	for rows.Next() {
		var dl DeadLetterRecord
		if err := rows.Scan(&dl.Id, &dl.OriginalMessageId, &dl.QueueId, &dl.Message, &dl.ErrorMessage, &dl.RetryCount, &dl.LastRetryAt); err != nil {
			return nil, common.NewStorageError("select dead letters", err)
		}
		deadLetters = append(deadLetters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("select dead letters", err)
	}
	return deadLetters, nil
}

func (sr *SQLiteRepo) SelectAllQueuesWithStats(ctx context.Context) ([]QueueMetadata, error) {
	query := `
		SELECT
			q.id,
			q.name,
			(SELECT COUNT(*) FROM queue_messages m WHERE m.queue_id = q.id AND m.status = ?)
		FROM queues q
		ORDER BY q.name;`

	rows, err := sr.db.QueryContext(ctx, query, common.PendingStatus)
	if err != nil {
		log.Error().Err(err).Msg("failed to select queues with stats")
		return nil, common.NewStorageError("select queues", err)
	}
	defer rows.Close()

	var queues []QueueMetadata
	for rows.Next() {
		var qm QueueMetadata
		if err := rows.Scan(&qm.Id, &qm.Name, &qm.MessagesCount); err != nil {
			return nil, common.NewStorageError("select queues", err)
		}
		queues = append(queues, qm)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("select queues", err)
	}
	return queues, nil
}

// Optimize lets SQLite refresh its query planner statistics.
func (sr *SQLiteRepo) Optimize(ctx context.Context) {
	if _, err := sr.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		log.Warn().Err(err).Msg("failed to optimize database")
		return
	}
	log.Debug().Msg("database optimized")
}

func (sr *SQLiteRepo) Ping(ctx context.Context) error {
	return sr.db.PingContext(ctx)
}

func (sr *SQLiteRepo) Close() error {
	return sr.db.Close()
}

func (sr *SQLiteRepo) notInFlightReason(ctx context.Context, messageId string) error {
	var status string
	err := sr.db.QueryRowContext(ctx, `SELECT status FROM queue_messages WHERE id = ?;`, messageId).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFoundMessage
	}
	if err != nil {
		return common.NewStorageError("select message status", err)
	}
	log.Warn().Str("message_id", messageId).Str("status", status).Msg("message is not in flight")
	return common.ErrMessageNotInFlight
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*MessageRecord, error) {
	var msg MessageRecord
	var processingStartedAt, completedAt sql.NullInt64
	var errorMessage, consumerId sql.NullString

	err := row.Scan(
		&msg.Id,
		&msg.QueueId,
		&msg.Message,
		&msg.Status,
		&msg.Priority,
		&msg.RetryCount,
		&msg.VisibleAfter,
		&processingStartedAt,
		&completedAt,
		&errorMessage,
		&consumerId,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if processingStartedAt.Valid {
		msg.ProcessingStartedAt = &processingStartedAt.Int64
	}
	if completedAt.Valid {
		msg.CompletedAt = &completedAt.Int64
	}
	if errorMessage.Valid {
		msg.ErrorMessage = &errorMessage.String
	}
	if consumerId.Valid {
		msg.ConsumerId = &consumerId.String
	}
	return &msg, nil
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// extended result codes carry the primary code in the lower 8 bits
	code := sqliteErr.Code() & 0xff
	return code == sqliteBusy || code == sqliteLocked
}
