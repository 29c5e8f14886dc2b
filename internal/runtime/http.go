package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	breakerpkg "github.com/drblury/fleetgate/internal/runtime/breaker"
	correlationpkg "github.com/drblury/fleetgate/internal/runtime/correlation"
	envelopepkg "github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
)

// Caller identity headers, set by the authenticating proxy in front of the
// gateway.
const (
	HeaderUserID        = "X-User-ID"
	HeaderPermissions   = "X-User-Permissions"
	HeaderCorrelationID = "X-Correlation-ID"
)

const (
	maxRequestBody    = 1 << 20
	oldestPendingShow = 10
	kindInvalidBody   = "invalid_request"
)

// ErrorBody is the JSON document returned for failed calls.
type ErrorBody struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// TraceCounts reports how many traces the tracer holds.
type TraceCounts struct {
	Active   int `json:"active"`
	Retained int `json:"retained"`
}

// GatewayStatus is served on /admin/status.
type GatewayStatus struct {
	InstanceID    string                    `json:"instanceId"`
	Ready         bool                      `json:"ready"`
	Pending       int                       `json:"pending"`
	OldestPending []correlationpkg.Snapshot `json:"oldestPending"`
	Breakers      []breakerpkg.Snapshot     `json:"breakers"`
	Destinations  []*DestinationStats       `json:"destinations"`
	Traces        TraceCounts               `json:"traces"`
	Resources     ResourceUsage             `json:"resources"`
}

// Status returns a point-in-time view of the gateway.
func (g *Gateway) Status() GatewayStatus {
	return GatewayStatus{
		InstanceID:    g.Conf.InstanceID,
		Ready:         g.correlations.IsReady(),
		Pending:       g.correlations.Pending(),
		OldestPending: g.correlations.Oldest(oldestPendingShow),
		Breakers:      g.breakers.Snapshots(),
		Destinations:  g.stats.list(),
		Traces: TraceCounts{
			Active:   g.tracer.Active(),
			Retained: g.tracer.Retained(),
		},
		Resources: g.getResourceTracker().Snapshot(),
	}
}

// HTTPHandler serves the gateway API under /api/ and the admin endpoints.
// API requests are routed with the request path as endpoint.
func (g *Gateway) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", g.handleAPI)
	mux.HandleFunc("GET /admin/status", g.handleStatus)
	mux.HandleFunc("OPTIONS /admin/status", g.handleStatus)
	mux.HandleFunc("GET /admin/traces/{id}", g.handleTrace)
	return mux
}

func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request) {
	payload, err := requestPayload(r)
	if err != nil {
		g.writeJSON(w, http.StatusBadRequest, ErrorBody{Kind: kindInvalidBody, Message: err.Error()})
		return
	}

	res, err := g.Call(r.Context(), Request{
		Endpoint: r.URL.Path,
		Method:   r.Method,
		Payload:  payload,
		Caller:   callerFromHeaders(r.Header),
	})
	if res.CorrelationID != "" {
		w.Header().Set(HeaderCorrelationID, res.CorrelationID)
	}
	if err != nil {
		g.writeJSON(w, errspkg.StatusCode(err), ErrorBody{
			Kind:          string(errspkg.KindOf(err)),
			Message:       err.Error(),
			CorrelationID: res.CorrelationID,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Payload); err != nil {
		g.Logger.Debug("Writing response failed", loggingpkg.LogFields{"correlation_id": res.CorrelationID, "error": err.Error()})
	}
}

// requestPayload returns the JSON body of r, or its query parameters for
// methods without a body.
func requestPayload(r *http.Request) (any, error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		query := r.URL.Query()
		if len(query) == 0 {
			return nil, nil
		}
		params := make(map[string]any, len(query))
		for key, values := range query {
			if len(values) == 1 {
				params[key] = values[0]
			} else {
				params[key] = values
			}
		}
		return params, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBody {
		return nil, errors.New("request body too large")
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func callerFromHeaders(h http.Header) envelopepkg.UserContext {
	caller := envelopepkg.UserContext{UserID: strings.TrimSpace(h.Get(HeaderUserID))}
	for _, p := range strings.Split(h.Get(HeaderPermissions), ",") {
		if p = strings.TrimSpace(p); p != "" {
			caller.Permissions = append(caller.Permissions, p)
		}
	}
	return caller
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, http.StatusOK, g.Status())
}

func (g *Gateway) handleTrace(w http.ResponseWriter, r *http.Request) {
	g.setCORSHeaders(w, r)
	id := r.PathValue("id")
	tc, ok := g.tracer.Get(id)
	if !ok {
		g.writeJSON(w, http.StatusNotFound, ErrorBody{Kind: "not_found", Message: "no trace for " + id, CorrelationID: id})
		return
	}
	g.writeJSON(w, http.StatusOK, tc)
}

func (g *Gateway) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if g.Conf == nil || len(g.Conf.AdminCORSAllowedOrigins) == 0 {
		return
	}
	if allowed := g.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (g *Gateway) getAllowedCORSOrigin(requestOrigin string) string {
	if g.Conf == nil {
		return ""
	}
	for _, allowed := range g.Conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := envelopepkg.Encode(w, v); err != nil {
		g.Logger.Error("Failed to encode response", err, nil)
	}
}
