// Package grpc carries portal credentials on outgoing gRPC calls and shares
// the HTTP client's single-flight refresh with gRPC transports.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Default metadata keys.
// These can be customized via Config if needed.
const (
	// DefaultMetadataKeyAuthorization carries "Bearer <token>"
	DefaultMetadataKeyAuthorization = "authorization"

	// DefaultMetadataKeyUserID carries the portal user ID for services that
	// trust an upstream gateway
	DefaultMetadataKeyUserID = "x-user-id"
)

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization is the gRPC metadata key for the bearer token.
	// Defaults to "authorization".
	MetadataKeyAuthorization string

	// MetadataKeyUserID is the gRPC metadata key for the user ID.
	// Defaults to "x-user-id".
	MetadataKeyUserID string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
		MetadataKeyUserID:        DefaultMetadataKeyUserID,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
}

// TokenToOutgoingContext sets the bearer token on outgoing metadata,
// replacing any token already present.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return TokenToOutgoingContextWithConfig(ctx, token, nil)
}

// TokenToOutgoingContextWithConfig sets the bearer token using the specified config.
// An empty token removes the key.
func TokenToOutgoingContextWithConfig(ctx context.Context, token string, config *Config) context.Context {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if token == "" {
		md.Delete(config.MetadataKeyAuthorization)
	} else {
		md.Set(config.MetadataKeyAuthorization, "Bearer "+token)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// TokenFromOutgoingContext returns the bearer token set on outgoing metadata.
// Returns empty string if none is set.
func TokenFromOutgoingContext(ctx context.Context) string {
	return TokenFromOutgoingContextWithConfig(ctx, nil)
}

// TokenFromOutgoingContextWithConfig returns the bearer token using the specified config.
func TokenFromOutgoingContextWithConfig(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(config.MetadataKeyAuthorization)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimPrefix(values[len(values)-1], "Bearer ")
}

// UserIDToOutgoingContext adds the user ID to outgoing gRPC context metadata.
func UserIDToOutgoingContext(ctx context.Context, userID string) context.Context {
	return UserIDToOutgoingContextWithKey(ctx, userID, DefaultMetadataKeyUserID)
}

// UserIDToOutgoingContextWithKey adds the user ID to outgoing gRPC context metadata with a custom key.
func UserIDToOutgoingContextWithKey(ctx context.Context, userID string, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, userID)
}
