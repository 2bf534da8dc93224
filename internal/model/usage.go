package model

import "time"

// UsageCounter is the number of messages an Account sent on one UTC day.
type UsageCounter struct {
	SessionID string    `db:"session_id" json:"session_id"`
	DateKey   string    `db:"date_key" json:"date_key"`
	Count     int       `db:"count" json:"count"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

const dateKeyLayout = "2006-01-02"

// DateKey formats t as the UTC calendar day used to bucket usage.
func DateKey(t time.Time) string {
	return t.UTC().Format(dateKeyLayout)
}
