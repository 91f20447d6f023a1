package utils

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AdminSeeder inserts an admin account unless one already owns the email.
type AdminSeeder interface {
	SeedAdmin(ctx context.Context, email, passwordHash string) (bool, error)
}

// SeedAdminUser creates the bootstrap admin from ADMIN_EMAIL and
// ADMIN_PASSWORD. Nothing happens when both are empty.
func SeedAdminUser(ctx context.Context, seeder AdminSeeder, email, password string, cost int, log logrus.FieldLogger) error {
	email = NormalizeEmail(email)
	if email == "" && password == "" {
		log.Debug("no admin credentials configured, skipping seed")
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("missing ADMIN_EMAIL or ADMIN_PASSWORD")
	}

	hash, err := HashPassword(password, cost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	created, err := seeder.SeedAdmin(ctx, email, hash)
	if err != nil {
		return fmt.Errorf("seed admin upsert failed: %w", err)
	}

	if created {
		log.WithField("email", email).Info("admin user seeded")
	} else {
		log.WithField("email", email).Info("admin user already exists")
	}
	return nil
}
