package queue

import (
	"fmt"
	"time"

	"github.com/storecast/workq/common"
)

// Config describes a logical queue. It is persisted on first use and immutable afterwards:
// opening an existing queue returns the stored values, not the ones passed in.
type Config struct {
	Name                  string
	MaxSize               int
	MessageTimeoutSeconds int // lease duration of a claimed message
	MaxRetries            int
	ConsumerCount         int // advisory
	AutoScaleThreshold    int // advisory
}

func (c Config) validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", common.ErrInvalidConfig)
	case c.MaxSize <= 0:
		return fmt.Errorf("%w: max size must be positive", common.ErrInvalidConfig)
	case c.MessageTimeoutSeconds <= 0:
		return fmt.Errorf("%w: message timeout must be positive", common.ErrInvalidConfig)
	case c.MaxRetries <= 0:
		return fmt.Errorf("%w: max retries must be positive", common.ErrInvalidConfig)
	}
	return nil
}

type Message[T any] struct {
	ID                  string     `json:"id"`
	QueueID             string     `json:"queueId"`
	Message             T          `json:"message"`
	Status              string     `json:"status"`
	Priority            int        `json:"priority"`
	RetryCount          int        `json:"retryCount"`
	VisibleAfter        time.Time  `json:"visibleAfter"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
	ConsumerID          string     `json:"consumerId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

type DeadLetter[T any] struct {
	ID                string    `json:"id"`
	OriginalMessageID string    `json:"originalMessageId"`
	QueueID           string    `json:"queueId"`
	Message           T         `json:"message"`
	ErrorMessage      string    `json:"errorMessage"`
	RetryCount        int       `json:"retryCount"`
	LastRetryAt       time.Time `json:"lastRetryAt"`
}

type Metrics struct {
	TotalMessages     int64         `json:"totalMessages"`
	ProcessedMessages int64         `json:"processedMessages"`
	FailedMessages    int64         `json:"failedMessages"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	CurrentLength     int64         `json:"currentLength"`
	ConsumerCount     int64         `json:"consumerCount"`
}
