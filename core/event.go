package core

import (
	"time"
)

// SecurityEvent is a single security-relevant occurrence (login failure,
// permission denial, etc.) as delivered by the event source.
type SecurityEvent struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Email     string                 `json:"email,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EvaluationContext carries everything a rule evaluation needs about the
// inbound event. It is immutable per evaluation call; threshold evaluators
// read RecentEvents rather than hidden engine state.
type EvaluationContext struct {
	UserID    string                 `json:"user_id,omitempty"`
	Email     string                 `json:"email,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// RecentEvents is a bounded list of prior events for the same actor,
	// newest last. Populated by the pipeline from the event window store.
	RecentEvents []SecurityEvent `json:"recent_events,omitempty"`
}

// Event returns the context rendered as a SecurityEvent for window storage.
func (ec *EvaluationContext) Event(eventID string) SecurityEvent {
	return SecurityEvent{
		EventID:   eventID,
		EventType: ec.EventType,
		UserID:    ec.UserID,
		Email:     ec.Email,
		IPAddress: ec.IPAddress,
		UserAgent: ec.UserAgent,
		Timestamp: ec.Timestamp,
		Metadata:  ec.Metadata,
	}
}

// Field resolves a context field by name using dot notation for metadata
// (e.g. "metadata.path"). Returns nil if the field is unknown or unset.
func (ec *EvaluationContext) Field(name string) interface{} {
	switch name {
	case "user_id":
		return emptyAsNil(ec.UserID)
	case "email":
		return emptyAsNil(ec.Email)
	case "ip_address":
		return emptyAsNil(ec.IPAddress)
	case "user_agent":
		return emptyAsNil(ec.UserAgent)
	case "session_id":
		return emptyAsNil(ec.SessionID)
	case "event_type":
		return emptyAsNil(ec.EventType)
	}

	const prefix = "metadata."
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		if ec.Metadata == nil {
			return nil
		}
		if v, ok := ec.Metadata[name[len(prefix):]]; ok {
			return v
		}
	}
	return nil
}

func emptyAsNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
