// Package envelope defines the JSON documents exchanged between the gateway
// and destination services over the broker.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RequestTopicSuffix is appended to a destination name to form the routing
// key its request queue is bound with.
const RequestTopicSuffix = ".requests"

var (
	ErrMissingCorrelationID = errors.New("envelope: correlationId is missing")
	ErrInvalidStatus        = errors.New("envelope: status must be success or error")
)

// RequestTopic returns the routing key for a destination's request queue.
func RequestTopic(destination string) string {
	return destination + RequestTopicSuffix
}

// UserContext identifies the caller on whose behalf a request is made.
type UserContext struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
}

// Request is published to "<destination>.requests".
type Request struct {
	CorrelationID string          `json:"correlationId"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Data          json.RawMessage `json:"data"`
	UserContext   UserContext     `json:"userContext"`
	Timestamp     string          `json:"timestamp"`
	TraceID       string          `json:"traceId"`
	Service       string          `json:"service"`
}

// Response is published by destinations to the shared response exchange.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// NewRequest builds a request envelope, encoding payload as the data field.
// A nil payload is sent as an empty JSON object.
func NewRequest(correlationID, destination, endpoint, method string, payload any, user UserContext, traceID string, now time.Time) (Request, error) {
	data, err := rawJSON(payload)
	if err != nil {
		return Request{}, fmt.Errorf("encode request data: %w", err)
	}
	return Request{
		CorrelationID: correlationID,
		Endpoint:      endpoint,
		Method:        method,
		Data:          data,
		UserContext:   user,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
		TraceID:       traceID,
		Service:       destination,
	}, nil
}

// Success builds a success response carrying payload.
func Success(correlationID string, payload any, now time.Time) (Response, error) {
	data, err := rawJSON(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode response data: %w", err)
	}
	return Response{
		CorrelationID: correlationID,
		Status:        StatusSuccess,
		Data:          data,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Failure builds an error response.
func Failure(correlationID, message string, now time.Time) Response {
	return Response{
		CorrelationID: correlationID,
		Status:        StatusError,
		Error:         message,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeRequest parses a request envelope.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("decode request envelope: %w", err)
	}
	if req.CorrelationID == "" {
		return req, ErrMissingCorrelationID
	}
	return req, nil
}

// DecodeResponse parses a response envelope. A response without a
// correlation id is returned together with ErrMissingCorrelationID so the
// caller can log what it dropped.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response envelope: %w", err)
	}
	if resp.CorrelationID == "" {
		return resp, ErrMissingCorrelationID
	}
	if resp.Status != StatusSuccess && resp.Status != StatusError {
		return resp, fmt.Errorf("%w: got %q", ErrInvalidStatus, resp.Status)
	}
	return resp, nil
}

// Succeeded reports whether the destination handled the request.
func (r Response) Succeeded() bool {
	return r.Status == StatusSuccess
}

// ErrorMessage returns the destination-supplied error, never empty for
// error responses.
func (r Response) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return "destination reported an error without detail"
}

func rawJSON(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload bytes are not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		data, err := Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	}
}
