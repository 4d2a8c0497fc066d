package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/tradelane/api/internal/platform/config"
)

// FirebaseClient wraps the Admin SDK auth client for token verification and account removal.
type FirebaseClient struct {
	client       *firebaseauth.Client
	timeout      time.Duration
	checkRevoked bool
}

// FirebaseOption customises FirebaseClient instances.
type FirebaseOption func(*FirebaseClient)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(c *FirebaseClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRevocationCheck makes verification also reject revoked tokens and deleted accounts. Each
// verification then costs one Admin API lookup.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(c *FirebaseClient) {
		c.checkRevoked = enabled
	}
}

// NewFirebaseClient initialises the Admin SDK for the configured project.
func NewFirebaseClient(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseClient, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	client := &FirebaseClient{
		client:  authClient,
		timeout: defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// VerifyIDToken verifies a Firebase ID token using a bounded context.
func (c *FirebaseClient) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("firebase client not initialised")
	}
	ctx, cancel := c.contextWithTimeout(ctx)
	if cancel != nil {
		defer cancel()
	}
	if c.checkRevoked {
		return c.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	}
	return c.client.VerifyIDToken(ctx, idToken)
}

// DeleteUser removes the Firebase account. Accounts that are already gone count as deleted.
func (c *FirebaseClient) DeleteUser(ctx context.Context, uid string) error {
	if c == nil || c.client == nil {
		return errors.New("firebase client not initialised")
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return errors.New("firebase: uid is required")
	}
	ctx, cancel := c.contextWithTimeout(ctx)
	if cancel != nil {
		defer cancel()
	}
	if err := c.client.DeleteUser(ctx, uid); err != nil {
		if firebaseauth.IsUserNotFound(err) {
			return nil
		}
		return fmt.Errorf("firebase: delete user: %w", err)
	}
	return nil
}

func (c *FirebaseClient) contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c == nil || c.timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, c.timeout)
}
