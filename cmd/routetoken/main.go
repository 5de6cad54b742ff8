// Command routetoken mints a bearer token for the callroute admin API.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flowpbx/callroute/internal/api/middleware"
	"github.com/flowpbx/callroute/internal/config"
)

func main() {
	fs := flag.NewFlagSet("routetoken", flag.ContinueOnError)
	secretHex := fs.String("secret", os.Getenv(config.EnvName("admin-jwt-secret")), "hex-encoded 32-byte admin secret (defaults to "+config.EnvName("admin-jwt-secret")+")")
	subject := fs.String("subject", "", "who the token is issued to (required)")
	ttl := fs.Duration("ttl", middleware.DefaultAdminTokenTTL, "token lifetime")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if err := run(*secretHex, *subject, *ttl); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(secretHex, subject string, ttl time.Duration) error {
	if secretHex == "" {
		return fmt.Errorf("--secret or %s is required", config.EnvName("admin-jwt-secret"))
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("decoding secret: %w", err)
	}
	if len(secret) != 32 {
		return fmt.Errorf("secret must decode to 32 bytes, got %d", len(secret))
	}

	token, expiresAt, err := middleware.GenerateAdminToken(secret, subject, ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}
