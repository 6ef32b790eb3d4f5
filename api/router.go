package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/storecast/workq/common"
	"github.com/storecast/workq/queue"
	"github.com/storecast/workq/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	consumerIdHeader        = "X-Consumer-Id"
	defaultDeadLettersLimit = 50
	maxDeadLettersLimit     = 1000
)

var queueNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

type Router struct {
	messagesService   *services.MessagesService
	queuesService     *services.QueuesService
	monitoringService *services.MonitoringService
	metricsHandler    http.Handler
	authSecret        string
}

// NewRouter builds the HTTP surface. metricsHandler may be nil, in which case /metrics is not served.
func NewRouter(
	messagesService *services.MessagesService,
	queuesService *services.QueuesService,
	monitoringService *services.MonitoringService,
	metricsHandler http.Handler,
	authSecret string,
) *Router {
	return &Router{
		messagesService:   messagesService,
		queuesService:     queuesService,
		monitoringService: monitoringService,
		metricsHandler:    metricsHandler,
		authSecret:        authSecret,
	}
}

func (ar *Router) NewRouter() *chi.Mux {
	router := chi.NewRouter()

	router.Get("/healthcheck", ar.healthcheck)
	if ar.metricsHandler != nil {
		router.Handle("/metrics", ar.metricsHandler)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyTokenAuth(ar.authSecret))

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Use(validQueueName)

			r.Get("/metrics", ar.queueMetrics)
			r.Get("/dead-letters", ar.deadLetters)

			r.Route("/messages", func(r chi.Router) {
				r.Post("/", ar.sendMessage)
				r.Get("/", ar.fetchMessage)
				r.Get("/peek", ar.peekMessage)

				r.Route("/{messageId}", func(r chi.Router) {
					r.Get("/", ar.getMessage)
					r.Post("/ack", ar.ackMessage)
					r.Post("/nack", ar.nackMessage)
				})
			})
		})
	})

	return router
}

func (ar *Router) sendMessage(w http.ResponseWriter, req *http.Request) {
	var newMessage common.NewMessageRequest
	err := json.NewDecoder(req.Body).Decode(&newMessage)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode request body")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
		return
	}

	queueName := chi.URLParam(req, "queue")

	message, err := ar.messagesService.ProcessNewMessage(req.Context(), queueName, newMessage)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendJsonResponse(w, http.StatusCreated, message)
}

func (ar *Router) fetchMessage(w http.ResponseWriter, req *http.Request) {
	queueName := chi.URLParam(req, "queue")
	consumerId := req.Header.Get(consumerIdHeader)

	message, err := ar.messagesService.FetchMessage(req.Context(), queueName, consumerId)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	if message == nil {
		ar.sendNoContentEmptyResponse(w)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, message)
}

func (ar *Router) peekMessage(w http.ResponseWriter, req *http.Request) {
	queueName := chi.URLParam(req, "queue")

	message, err := ar.messagesService.PeekMessage(req.Context(), queueName)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	if message == nil {
		ar.sendNoContentEmptyResponse(w)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, message)
}

func (ar *Router) getMessage(w http.ResponseWriter, req *http.Request) {
	queueName := chi.URLParam(req, "queue")
	messageId := chi.URLParam(req, "messageId")

	message, err := ar.messagesService.GetMessage(req.Context(), queueName, messageId)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, message)
}

func (ar *Router) ackMessage(w http.ResponseWriter, req *http.Request) {
	messageId := chi.URLParam(req, "messageId")
	queueName := chi.URLParam(req, "queue")

	err := ar.messagesService.AckMessage(req.Context(), queueName, messageId)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendNoContentEmptyResponse(w)
}

func (ar *Router) nackMessage(w http.ResponseWriter, req *http.Request) {
	messageId := chi.URLParam(req, "messageId")
	queueName := chi.URLParam(req, "queue")

	// the body is optional
	var nack common.NackMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&nack); err != nil && !errors.Is(err, io.EOF) {
		log.Error().Err(err).Msg("failed to decode request body")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
		return
	}

	err := ar.messagesService.NackMessage(req.Context(), queueName, messageId, nack.Error)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendNoContentEmptyResponse(w)
}

func (ar *Router) queueMetrics(w http.ResponseWriter, req *http.Request) {
	queueName := chi.URLParam(req, "queue")

	metrics, err := ar.queuesService.GetQueueMetrics(req.Context(), queueName)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, metrics)
}

func (ar *Router) deadLetters(w http.ResponseWriter, req *http.Request) {
	queueName := chi.URLParam(req, "queue")

	limit := defaultDeadLettersLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxDeadLettersLimit {
			ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidParam)
			return
		}
		limit = parsed
	}

	deadLetters, err := ar.queuesService.GetDeadLetters(req.Context(), queueName, limit)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	if deadLetters == nil {
		deadLetters = []queue.DeadLetter[json.RawMessage]{}
	}
	ar.sendJsonResponse(w, http.StatusOK, deadLetters)
}

func (ar *Router) healthcheck(w http.ResponseWriter, req *http.Request) {
	if !ar.monitoringService.IsHealthy(req.Context()) {
		ar.sendErrorResponse(w, http.StatusServiceUnavailable, common.ErrCodeInternal)
		return
	}
	ar.sendNoContentEmptyResponse(w)
}

func (ar *Router) sendNoContentEmptyResponse(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func (ar *Router) sendJsonResponse(w http.ResponseWriter, httpCode int, payload interface{}) {
	respBody, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("error marshaling response body")
		ar.sendErrorResponse(w, http.StatusInternalServerError, common.ErrCodeInternal)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	w.Write(respBody)
}

func (ar *Router) sendErrorResponse(w http.ResponseWriter, httpCode int, errCode string) {
	ar.sendJsonResponse(w, httpCode, common.ErrorResponse{Code: errCode})
}

func (ar *Router) sendResponseFromError(w http.ResponseWriter, err error) {
	var qe common.QueueError
	if !errors.As(err, &qe) {
		log.Error().Err(err).Msg("request failed")
		ar.sendErrorResponse(w, http.StatusInternalServerError, common.ErrCodeInternal)
		return
	}
	ar.sendErrorResponse(w, statusFromCode(qe.Code), qe.Code)
}

func statusFromCode(code string) int {
	switch code {
	case common.ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case common.ErrCodeClaimConflict, common.ErrCodeMessageNotInFlight:
		return http.StatusConflict
	case common.ErrCodeNotFoundMessage, common.ErrCodeNotFoundQueue:
		return http.StatusNotFound
	case common.ErrCodeInvalidConfig,
		common.ErrCodeBadRequestInvalidBody,
		common.ErrCodeBadRequestInvalidParam,
		common.ErrCodeBadRequestPayloadTooLarge:
		return http.StatusBadRequest
	case common.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
