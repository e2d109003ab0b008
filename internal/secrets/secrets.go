// Package secrets resolves the monitor's database connection string from a
// pluggable backend, falling back gracefully when no backend is configured.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding the database_url item
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/1Password/connect-sdk-go/connect"
)

// ItemName is the title of the 1Password item holding the connection string.
const ItemName = "icmpmon-database-url"

// FieldLabel is the field within that item holding the value.
const FieldLabel = "connection_string"

// Resolver resolves the database_url, optionally from a secrets backend.
type Resolver struct {
	backend string
	logger  *slog.Logger
	client  connect.Client
	vaultID string
}

// NewResolver builds a Resolver for the given backend name ("1password",
// "local", "auto", or "" for none). "auto" and "1password" require
// OP_CONNECT_HOST/OP_CONNECT_TOKEN/OP_VAULT_ID; "auto" falls back to the
// plain configured value when those are absent.
func NewResolver(backend string, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{backend: backend, logger: logger}

	host := os.Getenv("OP_CONNECT_HOST")
	token := os.Getenv("OP_CONNECT_TOKEN")
	vaultID := os.Getenv("OP_VAULT_ID")

	switch backend {
	case "1password":
		if host == "" || token == "" || vaultID == "" {
			return nil, fmt.Errorf("1password secrets backend requested but OP_CONNECT_HOST/OP_CONNECT_TOKEN/OP_VAULT_ID not fully set")
		}
		r.client = connect.NewClientWithUserAgent(host, token, "icmpmon-monitor")
		r.vaultID = vaultID
	case "auto":
		if host != "" && token != "" && vaultID != "" {
			r.client = connect.NewClientWithUserAgent(host, token, "icmpmon-monitor")
			r.vaultID = vaultID
		} else {
			logger.Info("1password connect not configured, using configured database_url directly")
		}
	case "local", "":
		// No backend: ResolveDatabaseURL is a pass-through.
	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
	return r, nil
}

// ResolveDatabaseURL returns the connection string to use: from the
// configured backend when one is active, otherwise the passed-through
// fallback (the plain database_url config value).
func (r *Resolver) ResolveDatabaseURL(ctx context.Context, fallback string) (string, error) {
	if r.client == nil {
		return fallback, nil
	}

	items, err := r.client.GetItemsByTitle(ItemName, r.vaultID)
	if err != nil {
		r.logger.Warn("1password lookup failed, falling back to configured database_url", "error", err)
		return fallback, nil
	}
	if len(items) == 0 {
		r.logger.Warn("1password item not found, falling back to configured database_url", "item", ItemName)
		return fallback, nil
	}

	item, err := r.client.GetItem(items[0].ID, r.vaultID)
	if err != nil {
		return "", fmt.Errorf("fetching 1password item %s: %w", ItemName, err)
	}

	for _, field := range item.Fields {
		if field.Label == FieldLabel {
			return field.Value, nil
		}
	}
	return "", fmt.Errorf("1password item %s has no %s field", ItemName, FieldLabel)
}
