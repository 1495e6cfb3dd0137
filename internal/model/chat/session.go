package chat

import "time"

// DefaultSessionID is used when the client does not supply one.
const DefaultSessionID = "default"

// Session captures a snapshot of a rolling conversation window.
type Session struct {
	ID         string    `json:"id"`
	Turns      []Turn    `json:"turns"`
	LastAccess time.Time `json:"lastAccess"`
}

// Len reports how many turns the snapshot holds.
func (s Session) Len() int {
	return len(s.Turns)
}
