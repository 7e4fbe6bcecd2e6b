package models

import "time"

// Channel is a named broadcast destination. Members lists the agent
// identifiers eligible to read it; membership is advisory at send time.
type Channel struct {
	Name         string    `json:"name"`
	Members      []string  `json:"members"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	MessageCount int64     `json:"message_count"`
}
