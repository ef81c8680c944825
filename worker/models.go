package worker

import "time"

// Profile captures the subset of worker data exposed via the public API layer.
type Profile struct {
	ID        string
	Name      string
	IDNumber  string
	Phone     string
	Active    bool
	CreatedAt time.Time
}
