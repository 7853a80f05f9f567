package grpc

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestConfig_EnsureDefaults(t *testing.T) {
	config := &Config{}
	config.EnsureDefaults()
	if config.MetadataKeyAuthorization != DefaultMetadataKeyAuthorization {
		t.Errorf("MetadataKeyAuthorization = %q", config.MetadataKeyAuthorization)
	}
	if config.MetadataKeyUserID != DefaultMetadataKeyUserID {
		t.Errorf("MetadataKeyUserID = %q", config.MetadataKeyUserID)
	}

	custom := &Config{MetadataKeyAuthorization: "x-token"}
	custom.EnsureDefaults()
	if custom.MetadataKeyAuthorization != "x-token" {
		t.Errorf("EnsureDefaults overwrote a custom key: %q", custom.MetadataKeyAuthorization)
	}
}

func TestTokenToOutgoingContext(t *testing.T) {
	ctx := TokenToOutgoingContext(context.Background(), "abc")
	if got := TokenFromOutgoingContext(ctx); got != "abc" {
		t.Errorf("TokenFromOutgoingContext() = %q, want abc", got)
	}

	md, _ := metadata.FromOutgoingContext(ctx)
	if v := md.Get("authorization"); len(v) != 1 || v[0] != "Bearer abc" {
		t.Errorf("authorization metadata = %v", v)
	}

	// Replacing keeps a single value
	ctx = TokenToOutgoingContext(ctx, "def")
	md, _ = metadata.FromOutgoingContext(ctx)
	if v := md.Get("authorization"); len(v) != 1 || v[0] != "Bearer def" {
		t.Errorf("authorization metadata after replace = %v", v)
	}

	// Empty token removes the key
	ctx = TokenToOutgoingContext(ctx, "")
	if got := TokenFromOutgoingContext(ctx); got != "" {
		t.Errorf("expected no token, got %q", got)
	}
}

func TestTokenToOutgoingContext_CustomKey(t *testing.T) {
	config := &Config{MetadataKeyAuthorization: "x-portal-token"}
	ctx := TokenToOutgoingContextWithConfig(context.Background(), "abc", config)

	if got := TokenFromOutgoingContext(ctx); got != "" {
		t.Errorf("default key should be unset, got %q", got)
	}
	if got := TokenFromOutgoingContextWithConfig(ctx, config); got != "abc" {
		t.Errorf("custom key token = %q, want abc", got)
	}
}

func TestTokenToOutgoingContext_PreservesOtherMetadata(t *testing.T) {
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-request-id", "r1")
	ctx = TokenToOutgoingContext(ctx, "abc")

	md, _ := metadata.FromOutgoingContext(ctx)
	if v := md.Get("x-request-id"); len(v) != 1 || v[0] != "r1" {
		t.Errorf("x-request-id lost: %v", v)
	}
}

func TestUserIDToOutgoingContext(t *testing.T) {
	ctx := UserIDToOutgoingContext(context.Background(), "user123")

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if values := md.Get(DefaultMetadataKeyUserID); len(values) == 0 || values[0] != "user123" {
		t.Errorf("expected user123, got %v", values)
	}
}
