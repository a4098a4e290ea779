package models

import "time"

// UnknownRequester is stored when the caller's address cannot be determined.
const UnknownRequester = "unknown"

// LogEntry is one row of the request log. Answer stays nil until the
// upstream completion succeeds.
type LogEntry struct {
	ID        int64     `json:"id"`
	Question  string    `json:"question"`
	Answer    *string   `json:"answer"`
	Requester string    `json:"requester"`
	CreatedAt time.Time `json:"created_at"`
}

// Answered reports whether the entry has received its answer.
func (e *LogEntry) Answered() bool { return e != nil && e.Answer != nil }
