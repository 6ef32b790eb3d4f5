package common

import "fmt"

const (
	ErrCodeQueueFull                 = "queue.full"
	ErrCodeClaimConflict             = "queue.claim_conflict"
	ErrCodeMessageNotInFlight        = "message.not_in_flight"
	ErrCodeInvalidConfig             = "config.invalid"
	ErrCodeBadRequestInvalidBody     = "bad_request.body.invalid"
	ErrCodeBadRequestInvalidParam    = "bad_request.param.invalid"
	ErrCodeUnauthorized              = "unauthorized"
	ErrCodeNotFoundMessage           = "not_found.message"
	ErrCodeNotFoundQueue             = "not_found.queue"
	ErrCodeInternal                  = "internal"
	ErrCodeBadRequestPayloadTooLarge = "bad_request.body.message.exceeds_limit"
)

var (
	ErrQueueFull                 = QueueError{Code: ErrCodeQueueFull}
	ErrClaimConflict             = QueueError{Code: ErrCodeClaimConflict}
	ErrMessageNotInFlight        = QueueError{Code: ErrCodeMessageNotInFlight}
	ErrInvalidConfig             = QueueError{Code: ErrCodeInvalidConfig}
	ErrNotFoundMessage           = QueueError{Code: ErrCodeNotFoundMessage}
	ErrNotFoundQueue             = QueueError{Code: ErrCodeNotFoundQueue}
	ErrBadRequestPayloadTooLarge = QueueError{Code: ErrCodeBadRequestPayloadTooLarge}
	ErrBadRequestInvalidBody     = QueueError{Code: ErrCodeBadRequestInvalidBody}
	ErrBadRequestInvalidParam    = QueueError{Code: ErrCodeBadRequestInvalidParam}
)

type QueueError struct {
	Code string
}

func (qe QueueError) Error() string {
	return qe.Code
}

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (se *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", se.Op, se.Err)
}

func (se *StorageError) Unwrap() error {
	return se.Err
}

// HandlerError is a failure returned (or panicked) by a caller-supplied message handler.
type HandlerError struct {
	MessageID string
	Err       error
}

func (he *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for message %s: %v", he.MessageID, he.Err)
}

func (he *HandlerError) Unwrap() error {
	return he.Err
}
