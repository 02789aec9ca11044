package models

import "time"

// Site is the local measurable an import writes into.
type Site struct {
	ID        int64     `json:"idsite"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
