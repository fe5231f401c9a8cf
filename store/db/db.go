// Package db provides the database driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/store"
	"github.com/hrygo/deskops/store/db/postgres"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	driver, err := postgres.NewDB(profile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres driver")
	}
	return driver, nil
}
