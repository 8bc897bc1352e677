// Package display is the operator-facing boundary: a Client that checks
// credentials locally before they reach the bridge, and the HTTP API the
// operator page talks to.
package display

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/hazyhaar/presencewatch/bridge"
	"github.com/hazyhaar/presencewatch/presence"
)

// MinPasswordLen is the shortest password accepted.
const MinPasswordLen = 8

// SenderName identifies the display on the bridge.
const SenderName = "display"

// ValidationError is a credential rejected before any bridge traffic.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return "display: " + e.Field + ": " + e.Message }

// Validate checks creds against the local rules: a well-formed email,
// ending with domain when domain is set, and a password of at least
// MinPasswordLen characters.
func Validate(creds presence.Credentials, domain string) error {
	email := strings.TrimSpace(creds.Email)
	addr, err := mail.ParseAddress(email)
	valid := err == nil && addr.Address == email && strings.Contains(email, "@")
	if valid && domain != "" {
		valid = strings.HasSuffix(strings.ToLower(email), strings.ToLower(domain))
	}
	if !valid {
		msg := "Please enter a valid email address"
		if domain != "" {
			msg = fmt.Sprintf("Please enter a valid %s email address", domain)
		}
		return &ValidationError{Field: "email", Message: msg}
	}
	if len([]rune(creds.Password)) < MinPasswordLen {
		return &ValidationError{
			Field:   "password",
			Message: fmt.Sprintf("Password must be at least %d characters long", MinPasswordLen),
		}
	}
	return nil
}

// Client talks to the aggregator through a bridge Transport.
type Client struct {
	t      bridge.Transport
	domain string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAllowedDomain restricts logins to emails ending with domain
// (e.g. "@talabat.com").
func WithAllowedDomain(domain string) ClientOption {
	return func(c *Client) { c.domain = domain }
}

// NewClient creates a Client on t.
func NewClient(t bridge.Transport, opts ...ClientOption) *Client {
	c := &Client{t: t}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AllowedDomain returns the configured email domain, possibly empty.
func (c *Client) AllowedDomain() string { return c.domain }

// Login authenticates an operator.
func (c *Client) Login(ctx context.Context, email, password string) (presence.AuthResult, error) {
	return c.Authenticate(ctx, presence.Credentials{Email: email, Password: password, Action: presence.ActionLogin})
}

// Register creates an operator account. It does not log in.
func (c *Client) Register(ctx context.Context, email, password string) (presence.AuthResult, error) {
	return c.Authenticate(ctx, presence.Credentials{Email: email, Password: password, Action: presence.ActionRegister})
}

// Authenticate validates creds and sends them to the aggregator. A
// validation failure returns a *ValidationError and sends nothing. A
// bridge failure is reported as the network error result.
func (c *Client) Authenticate(ctx context.Context, creds presence.Credentials) (presence.AuthResult, error) {
	creds.Email = strings.TrimSpace(creds.Email)
	if err := Validate(creds, c.domain); err != nil {
		return presence.AuthResult{Message: err.(*ValidationError).Message}, err
	}
	var res presence.AuthResult
	if err := bridge.Call(ctx, c.t, presence.KindAuthenticate, SenderName, creds, &res); err != nil {
		return presence.AuthResult{Message: presence.NetworkErrorMessage}, fmt.Errorf("display: authenticate: %w", err)
	}
	return res, nil
}

// ActiveInstances returns the ids of the monitored instances.
func (c *Client) ActiveInstances(ctx context.Context) ([]string, error) {
	var ids []string
	if err := bridge.Call(ctx, c.t, presence.KindGetActiveInstances, SenderName, nil, &ids); err != nil {
		return nil, fmt.Errorf("display: active instances: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// IsValidation reports whether err came from local validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
