package models

import "time"

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertSubscribeFailure   AlertKind = "subscribe_failure"
	AlertReconnectExhausted AlertKind = "reconnect_exhausted"
	AlertReconnectRestored  AlertKind = "reconnect_restored"
	AlertPollFailures       AlertKind = "poll_failures"
	AlertDispatchFailure    AlertKind = "dispatch_permanent_failure"
)

// Alert is a structured operator notification.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Table   string    `json:"table,omitempty"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}
