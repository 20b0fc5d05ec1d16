package domain

import "time"

// User represents a signed-in account as asserted by the identity provider.
type User struct {
	ID        string
	GoogleID  string
	Email     string
	Name      string
	Locale    string
	SyncedAt  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExternalID returns the identifier the generation backend keys users by.
func (u User) ExternalID() string {
	if u.GoogleID != "" {
		return u.GoogleID
	}
	return u.ID
}
