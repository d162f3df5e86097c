// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/pgp-proxy-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of parsed email messages to the
// target service. Decorating stages (such as the PGP encryption stage)
// implement the same interface and wrap an inner Provider.
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
