package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/storecast/workq/common"
	"github.com/storecast/workq/configs"
	"github.com/storecast/workq/queue"

	"github.com/rs/zerolog/log"
)

const pollingStep = 100 * time.Millisecond

type MessagesService struct {
	queuesService *QueuesService
	appConfigs    *configs.AppConfigs
}

func NewMessagesService(queuesService *QueuesService, appConfigs *configs.AppConfigs) *MessagesService {
	return &MessagesService{
		queuesService: queuesService,
		appConfigs:    appConfigs,
	}
}

func (ms *MessagesService) ProcessNewMessage(ctx context.Context, queueName string, newMessage common.NewMessageRequest) (*queue.Message[json.RawMessage], error) {
	if len(newMessage.Message) == 0 {
		log.Error().Str("queue", queueName).Msg("message is empty")
		return nil, common.ErrBadRequestInvalidBody
	}
	if len(newMessage.Message) > ms.appConfigs.MessageMaxSizeBytes {
		log.Error().Int("size", len(newMessage.Message)).Msg("message exceeds size limit")
		return nil, common.ErrBadRequestPayloadTooLarge
	}

	q, err := ms.queuesService.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, newMessage.Message, newMessage.Priority)
}

// FetchMessage claims a message for consumerId. With a polling duration configured it keeps
// trying until a message shows up, the duration runs out or the client goes away.
// A queue that does not exist yet has no message to hand out; it is not created.
func (ms *MessagesService) FetchMessage(ctx context.Context, queueName string, consumerId string) (*queue.Message[json.RawMessage], error) {
	start := time.Now()
	ticker := time.NewTicker(pollingStep)
	defer ticker.Stop()

	for {
		message, err := ms.claim(ctx, queueName, consumerId)
		if err != nil {
			return nil, err
		}
		if message != nil {
			return message, nil
		}

		if time.Since(start) >= ms.appConfigs.PollingDuration {
			return nil, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Str("queue", queueName).Msg("client went away while polling for a message")
			return nil, nil
		}
	}
}

func (ms *MessagesService) claim(ctx context.Context, queueName string, consumerId string) (*queue.Message[json.RawMessage], error) {
	q, err := ms.queuesService.LookupQueue(ctx, queueName)
	if errors.Is(err, common.ErrNotFoundQueue) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if consumerId == "" {
		consumerId = q.ConsumerID()
	}
	return q.DequeueFor(ctx, consumerId)
}

func (ms *MessagesService) PeekMessage(ctx context.Context, queueName string) (*queue.Message[json.RawMessage], error) {
	q, err := ms.queuesService.LookupQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.Peek(ctx)
}

func (ms *MessagesService) GetMessage(ctx context.Context, queueName string, messageId string) (*queue.Message[json.RawMessage], error) {
	q, err := ms.queuesService.LookupQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.Get(ctx, messageId)
}

func (ms *MessagesService) AckMessage(ctx context.Context, queueName string, messageId string) error {
	q, err := ms.queuesService.LookupQueue(ctx, queueName)
	if err != nil {
		return err
	}
	return q.Acknowledge(ctx, messageId, true, "")
}

func (ms *MessagesService) NackMessage(ctx context.Context, queueName string, messageId string, reason string) error {
	q, err := ms.queuesService.LookupQueue(ctx, queueName)
	if err != nil {
		return err
	}
	return q.Acknowledge(ctx, messageId, false, reason)
}
