package domain

import "time"

// ViewerConnection is one viewer socket attached to a channel.
type ViewerConnection struct {
	ChannelID    string    `json:"channel_id"`
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ViewerCount is a point-in-time presence snapshot for a channel.
type ViewerCount struct {
	ChannelID   string `json:"channel_id"`
	Count       int    `json:"count"`
	UniqueUsers int    `json:"unique_users"`
}
