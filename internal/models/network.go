package models

import "time"

// NetworkState is a point-in-time connectivity judgement. It is derived
// by a monitor, never persisted.
type NetworkState struct {
	Online           bool      `json:"online"`
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
}

func (s NetworkState) String() string {
	if s.Online {
		return "online"
	}
	return "offline"
}
