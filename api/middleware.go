package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/storecast/workq/common"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

var (
	unauthorizedRespBody     []byte
	invalidQueueNameRespBody []byte
)

func init() {
	var err error
	unauthorizedRespBody, err = json.Marshal(common.ErrorResponse{Code: common.ErrCodeUnauthorized})
	if err != nil {
		panic(err)
	}
	invalidQueueNameRespBody, err = json.Marshal(common.ErrorResponse{Code: common.ErrCodeBadRequestInvalidParam})
	if err != nil {
		panic(err)
	}
}

func apiKeyTokenAuth(authSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			apiKey := req.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(authSecret)) != 1 {
				log.Error().Str("path", req.URL.Path).Msg("invalid API key")
				sendRawErrorResponse(w, http.StatusUnauthorized, unauthorizedRespBody)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func validQueueName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		queueName := chi.URLParam(req, "queue")
		if !queueNameRegex.MatchString(queueName) {
			log.Error().Str("queue", queueName).Msg("invalid queue name")
			sendRawErrorResponse(w, http.StatusBadRequest, invalidQueueNameRespBody)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func sendRawErrorResponse(w http.ResponseWriter, httpCode int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	w.Write(body)
}
