package models

import "time"

// DeadLetter wraps a message that failed to parse, preserving the original
// payload for inspection and replay.
type DeadLetter struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Raw       []byte    `json:"raw"`
}
