// Package store provides typed access to all durable state of the bot.
package store

import (
	"context"

	"github.com/hrygo/deskops/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	Settings *Settings
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	s := &Store{
		driver:  driver,
		profile: profile,
	}
	s.Settings = newSettings(s)
	return s
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}
