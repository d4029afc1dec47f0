// Package model defines the core domain types for the chatline relay.
package model

// Presence status values stored for each user.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)
