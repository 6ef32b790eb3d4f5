package db

type NewQueue struct {
	Id                    string
	Name                  string
	MaxSize               int
	MessageTimeoutSeconds int
	MaxRetries            int
	ConsumerCount         int
	AutoScaleThreshold    int
	CreatedAt             int64
}

type QueueRecord struct {
	Id                    string
	Name                  string
	MaxSize               int
	MessageTimeoutSeconds int
	MaxRetries            int
	ConsumerCount         int
	AutoScaleThreshold    int
	CreatedAt             int64
	UpdatedAt             int64
}

type NewMessage struct {
	Id        string
	QueueId   string
	Message   []byte
	Priority  int
	CreatedAt int64
}

type MessageRecord struct {
	Id                  string
	QueueId             string
	Message             []byte
	Status              string
	Priority            int
	RetryCount          int
	VisibleAfter        int64
	ProcessingStartedAt *int64
	CompletedAt         *int64
	ErrorMessage        *string
	ConsumerId          *string
	CreatedAt           int64
	UpdatedAt           int64
}

// MessageClaim describes a lease to take on the best eligible message of a queue.
type MessageClaim struct {
	QueueId    string
	ConsumerId string
	NowMs      int64
	LeaseMs    int64
}

// MessageFailure is applied only if the message is still processing with ExpectedRetryCount retries.
type MessageFailure struct {
	Id                 string
	ExpectedRetryCount int
	ErrorMessage       string
	DeadLetter         bool
	DeadLetterId       string
	VisibleAfter       int64
	NowMs              int64
}

type DeadLetterRecord struct {
	Id                string
	OriginalMessageId string
	QueueId           string
	Message           []byte
	ErrorMessage      string
	RetryCount        int
	LastRetryAt       int64
}

type QueueStats struct {
	TotalMessages       int64
	ProcessedMessages   int64
	FailedMessages      int64
	AvgProcessingTimeMs float64
	CurrentLength       int64
	ConsumerCount       int64
}

type QueueMetadata struct {
	Id            string
	Name          string
	MessagesCount int
}
