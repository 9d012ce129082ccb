package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config is what an application supplies to reach a master.
type Config struct {
	URL    string
	UserID string // generated with NewUserID when empty
	APIKey string

	WaitForResponse time.Duration

	// NewUserID allocates a user id when UserID is empty. Defaults to uuid.
	NewUserID func() string
}

// WithDefaults fills the zero fields of c.
func (c Config) WithDefaults() Config {
	if c.WaitForResponse <= 0 {
		c.WaitForResponse = DefaultWaitForResponse
	}
	if c.NewUserID == nil {
		c.NewUserID = uuid.NewString
	}
	if c.UserID == "" {
		c.UserID = c.NewUserID()
	}
	return c
}

// Validate checks the fields required to connect.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("master url is required")
	}
	return nil
}
