// Package audit writes security relevant events (API-key lifecycle and
// temporary access token use) to an append-only JSONL sink, separate from
// the operational log.
package audit

import (
	"context"
	"time"

	"github.com/dataup/cvat-gateway/internal/logging"
	"github.com/dataup/cvat-gateway/internal/obfuscate"
)

// Event is one audit record. Details never contain secrets in clear.
type Event struct {
	Timestamp     time.Time              `json:"timestamp"`
	Action        string                 `json:"action"`
	Actor         string                 `json:"actor"`
	OrgID         int64                  `json:"org_id,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ClientIP      string                 `json:"client_ip,omitempty"`
	Result        ResultType             `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// ResultType represents the outcome of an audited operation
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailure ResultType = "failure"
)

// API-key actions
const (
	ActionAPIKeyCreate     = "apikey.create"
	ActionAPIKeyUpdate     = "apikey.update"
	ActionAPIKeyDelete     = "apikey.delete"
	ActionAPIKeySetDefault = "apikey.set_default"
	ActionAPIKeyResolve    = "apikey.resolve"
)

// Temporary access actions
const (
	ActionTempAccessIssue   = "temp_access.issue"
	ActionTempAccessResolve = "temp_access.resolve"
	ActionTempAccessExtend  = "temp_access.extend"
	ActionTempAccessExpire  = "temp_access.expire"
	ActionTempAccessBatch   = "temp_access.batch"
)

const (
	ActorSystem    = "system"
	ActorAnonymous = "anonymous"
	ActorCLI       = "cli"
)

// NewEvent creates an event stamped with the current UTC time.
func NewEvent(action, actor string, result ResultType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Actor:     actor,
		Result:    result,
		Details:   make(map[string]interface{}),
	}
}

// FromContext copies request and correlation IDs from ctx onto the event.
func (e *Event) FromContext(ctx context.Context) *Event {
	if id := logging.GetRequestID(ctx); id != "" {
		e.RequestID = id
	}
	if id := logging.GetCorrelationID(ctx); id != "" {
		e.CorrelationID = id
	}
	return e
}

func (e *Event) WithOrgID(orgID int64) *Event {
	e.OrgID = orgID
	return e
}

func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

func (e *Event) WithClientIP(clientIP string) *Event {
	e.ClientIP = clientIP
	return e
}

// WithDetail adds a key-value pair. Callers must redact secrets first.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithToken records a redacted form of an opaque token.
func (e *Event) WithToken(token string) *Event {
	return e.WithDetail("token", obfuscate.Token(token))
}

// WithKey records the API-key id and its preview.
func (e *Event) WithKey(id, preview string) *Event {
	if id != "" {
		e.WithDetail("key_id", id)
	}
	if preview != "" {
		e.WithDetail("key_preview", preview)
	}
	return e
}

func (e *Event) WithError(err error) *Event {
	if err != nil {
		return e.WithDetail("error", err.Error())
	}
	return e
}
