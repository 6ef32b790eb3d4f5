package common

import "encoding/json"

type NewMessageRequest struct {
	Message  json.RawMessage `json:"message"`
	Priority int             `json:"priority"`
}

type NackMessageRequest struct {
	Error string `json:"error"`
}

type ErrorResponse struct {
	Code string `json:"code,omitempty"`
}
