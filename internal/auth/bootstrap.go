package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nuralogix/dfx-api-client-go/internal/credentials"
)

var (
	// ErrInvalidUser means the email is not registered for the license
	ErrInvalidUser = errors.New("invalid user")

	// ErrInvalidPassword means the email exists but the password does not match
	ErrInvalidPassword = errors.New("invalid password")

	// ErrRegistration means the license key could not register a device
	ErrRegistration = errors.New("device registration failed")

	// ErrUnauthorized means a cached token was rejected
	ErrUnauthorized = errors.New("unauthorized")
)

// Profile describes the user created when a login finds no account
type Profile struct {
	Email       string
	Password    string
	FirstName   string
	LastName    string
	PhoneNumber string
	Gender      string
	DateOfBirth string
	HeightCm    string
	WeightKg    string
}

// Identity is everything bootstrap needs to obtain tokens
type Identity struct {
	Server     string
	LicenseKey string
	DeviceName string
	Profile    Profile
}

func (id Identity) key() credentials.Key {
	return credentials.Key{
		Server:     id.Server,
		LicenseKey: id.LicenseKey,
		UserEmail:  id.Profile.Email,
	}
}

// Provider performs the remote registration and login calls
type Provider interface {
	RegisterDevice(ctx context.Context, licenseKey, deviceName string) (string, error)
	Login(ctx context.Context, email, password, deviceToken string) (string, error)
	CreateUser(ctx context.Context, profile Profile, deviceToken string) (string, error)
}

// Tokens is the outcome of a bootstrap
type Tokens struct {
	DeviceToken string
	UserToken   string
	UserID      string
}

func (t Tokens) entry() credentials.Entry {
	return credentials.Entry{DeviceToken: t.DeviceToken, UserToken: t.UserToken}
}

// Bootstrap returns usable tokens, reusing cached ones. A missing device
// token registers the device; a missing user token logs in, creating the
// user first when the login reports ErrInvalidUser. Every token obtained is
// written to the store before the next step runs.
func Bootstrap(ctx context.Context, store credentials.Store, provider Provider, identity Identity, logger *slog.Logger) (Tokens, error) {
	key := identity.key()

	entry, err := store.Get(ctx, key)
	if err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return Tokens{}, fmt.Errorf("failed to read cached credentials: %w", err)
	}

	tokens := Tokens{DeviceToken: entry.DeviceToken, UserToken: entry.UserToken}

	if tokens.DeviceToken == "" {
		token, err := provider.RegisterDevice(ctx, identity.LicenseKey, identity.DeviceName)
		if err != nil {
			return Tokens{}, fmt.Errorf("%w: make sure the license key is valid for server %q: %w", ErrRegistration, identity.Server, err)
		}
		tokens.DeviceToken = token
		if err := store.Put(ctx, key, tokens.entry()); err != nil {
			return Tokens{}, err
		}
		logger.Info("Device registered",
			slog.String("server", identity.Server),
			slog.String("device_name", identity.DeviceName),
		)
	}

	if tokens.UserToken != "" {
		logger.Debug("Using cached user token", slog.String("email", identity.Profile.Email))
		return tokens, nil
	}

	token, err := provider.Login(ctx, identity.Profile.Email, identity.Profile.Password, tokens.DeviceToken)
	if errors.Is(err, ErrInvalidUser) {
		tokens.UserID, err = provider.CreateUser(ctx, identity.Profile, tokens.DeviceToken)
		if err != nil {
			return Tokens{}, fmt.Errorf("failed to create user: %w", err)
		}
		logger.Info("User created",
			slog.String("email", identity.Profile.Email),
			slog.String("user_id", tokens.UserID),
		)
		token, err = provider.Login(ctx, identity.Profile.Email, identity.Profile.Password, tokens.DeviceToken)
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("login failed: %w", err)
	}

	tokens.UserToken = token
	if err := store.Put(ctx, key, tokens.entry()); err != nil {
		return Tokens{}, err
	}
	logger.Info("User logged in", slog.String("email", identity.Profile.Email))
	return tokens, nil
}

// Refresh drops the cached user token and bootstraps again. The device
// token is kept.
func Refresh(ctx context.Context, store credentials.Store, provider Provider, identity Identity, logger *slog.Logger) (Tokens, error) {
	key := identity.key()

	entry, err := store.Get(ctx, key)
	if err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return Tokens{}, fmt.Errorf("failed to read cached credentials: %w", err)
	}
	if err := store.Put(ctx, key, credentials.Entry{DeviceToken: entry.DeviceToken}); err != nil {
		return Tokens{}, err
	}

	logger.Info("Refreshing user token", slog.String("email", identity.Profile.Email))
	return Bootstrap(ctx, store, provider, identity, logger)
}
