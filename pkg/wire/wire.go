// Package wire defines the websocket message envelopes exchanged between
// clients and the gateway, plus kind-aware decoding with validation.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	KindQueryRequest          = "QUERY_REQUEST"
	KindQueryResponse         = "QUERY_RESPONSE"
	KindReflectPublishRequest = "REFLECT_PUBLISH_REQUEST"
	KindReflectAckResponse    = "REFLECT_ACK_RESPONSE"
	KindReflectDelivery       = "REFLECT_MESSAGE_DELIVERY"
	KindHeartbeat             = "HEARTBEAT"
	KindHeartbeatAck          = "HEARTBEAT_ACK"
	KindSessionInfoResponse   = "SESSION_INFO_RESPONSE"
	KindTickSnapshot          = "TICK_SNAPSHOT"
	KindGeneralError          = "GENERAL_ERROR_RESPONSE"
)

// ValidationError reports a malformed inbound message. It is answered with a
// GENERAL_ERROR_RESPONSE on the offending connection and never closes it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Envelope is the outer frame of every message. Payload holds the
// kind-specific body, still encoded.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type QueryRequest struct {
	RequestID  string `json:"request_id"`
	Query      string `json:"query"`
	Parameters []any  `json:"parameters,omitempty"`
}

type QueryResponse struct {
	RequestID    string `json:"request_id"`
	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type ReflectPublishRequest struct {
	RequestID              string          `json:"request_id"`
	SyncGroup              string          `json:"sync_group"`
	Channel                string          `json:"channel"`
	Payload                json.RawMessage `json:"payload"`
	RequestAcknowledgement bool            `json:"request_acknowledgement"`
}

type ReflectAckResponse struct {
	RequestID    string `json:"request_id"`
	SyncGroup    string `json:"sync_group"`
	Channel      string `json:"channel"`
	Delivered    int    `json:"delivered"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type ReflectDelivery struct {
	SyncGroup     string          `json:"sync_group"`
	Channel       string          `json:"channel"`
	FromSessionID string          `json:"from_session_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
}

type SessionInfoResponse struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

type TickSnapshot struct {
	SyncGroup  string `json:"sync_group"`
	TickNumber int64  `json:"tick_number"`
	DurationMs int64  `json:"duration_ms"`
	Delayed    bool   `json:"delayed"`
	StateCount int    `json:"state_count"`
	Timestamp  string `json:"timestamp"`
}

type GeneralError struct {
	RequestID    string `json:"request_id,omitempty"`
	ErrorMessage string `json:"error_message"`
}

func NewEnvelope(kind string, payload any) (Envelope, error) {
	env := Envelope{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func NewDelivery(syncGroup, channel, fromSessionID string, payload json.RawMessage) ReflectDelivery {
	return ReflectDelivery{
		SyncGroup:     syncGroup,
		Channel:       channel,
		FromSessionID: fromSessionID,
		Payload:       payload,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Decode parses and validates an inbound client frame. Only client-originated
// kinds are accepted; server-to-client kinds arriving inbound are rejected the
// same way an unknown kind is.
func Decode(raw []byte) (Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, &ValidationError{Reason: "malformed JSON"}
	}
	env.Kind = strings.TrimSpace(env.Kind)
	if env.Kind == "" {
		return env, nil, &ValidationError{Field: "kind", Reason: "required"}
	}
	switch env.Kind {
	case KindQueryRequest:
		var req QueryRequest
		if err := strictUnmarshal(env.Payload, &req); err != nil {
			return env, nil, err
		}
		if req.RequestID == "" {
			return env, nil, &ValidationError{Field: "request_id", Reason: "required"}
		}
		if strings.TrimSpace(req.Query) == "" {
			return env, nil, &ValidationError{Field: "query", Reason: "required"}
		}
		return env, req, nil
	case KindReflectPublishRequest:
		var req ReflectPublishRequest
		if err := strictUnmarshal(env.Payload, &req); err != nil {
			return env, nil, err
		}
		if req.RequestID == "" {
			return env, nil, &ValidationError{Field: "request_id", Reason: "required"}
		}
		if strings.TrimSpace(req.SyncGroup) == "" {
			return env, nil, &ValidationError{Field: "sync_group", Reason: "required"}
		}
		if strings.TrimSpace(req.Channel) == "" {
			return env, nil, &ValidationError{Field: "channel", Reason: "required"}
		}
		return env, req, nil
	case KindHeartbeat:
		return env, nil, nil
	default:
		return env, nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unrecognized kind %q", env.Kind)}
	}
}

func strictUnmarshal(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
