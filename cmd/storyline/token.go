package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/flowpbx/storyline/internal/api/middleware"
	"github.com/flowpbx/storyline/internal/config"
)

// runToken implements "storyline token": it prints a signed bearer token
// for the admin API.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("storyline token", flag.ContinueOnError)
	secret := fs.String("admin-secret", os.Getenv("STORYLINE_ADMIN_SECRET"), "hex-encoded admin token secret")
	subject := fs.String("subject", "admin", "who the token is issued to")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := (&config.Config{AdminSecret: *secret}).AdminSecretBytes()
	if err != nil {
		return err
	}
	if key == nil {
		return errors.New("admin-secret is required")
	}
	if *ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	token, expiresAt, err := middleware.GenerateAdminToken(key, *subject, *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Fprintln(out, token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}
