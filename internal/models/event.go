package models

import "time"

// EventKind identifies the type of row change observed upstream.
type EventKind string

const (
	KindInsert EventKind = "INSERT"
	KindUpdate EventKind = "UPDATE"
	KindDelete EventKind = "DELETE"
)

// Source identifies which path observed a change event.
type Source string

const (
	SourceLive Source = "live"
	SourcePoll Source = "poll"
)

// ChangeEvent is a single observed row change on a monitored table.
type ChangeEvent struct {
	Table      string                 `json:"table"`
	Kind       EventKind              `json:"kind"`
	Row        map[string]interface{} `json:"row"`
	Source     Source                 `json:"source"`
	ReceivedAt time.Time              `json:"received_at"`
}

// SubscriptionState describes the health of one table's live subscription.
type SubscriptionState int32

const (
	StateConnecting SubscriptionState = iota
	StateConnected
	StateDegraded
	StateReconnecting
	StateFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
