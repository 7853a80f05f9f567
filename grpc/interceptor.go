package grpc

import (
	"context"
	"strconv"

	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// Reauthenticator supplies access tokens and obtains a fresh one when the
// server rejects the current one. *client.Client implements it, so gRPC
// calls join the same single-flight refresh as HTTP calls.
type Reauthenticator interface {
	oauth2.TokenSource

	// Reauthenticate returns a token newer than staleToken or an error if
	// the session could not be renewed.
	Reauthenticate(ctx context.Context, staleToken string) (string, error)
}

// UserSource is optionally implemented by the Reauthenticator to supply the
// user ID sent under Config.MetadataKeyUserID.
type UserSource interface {
	UserID() (int64, bool)
}

// InterceptorConfig configures the client interceptors.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// PublicMethods is a set of method names sent without a token and never
	// retried. Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool
}

// DefaultInterceptorConfig returns a config that authenticates every method.
func DefaultInterceptorConfig() *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

func (c *InterceptorConfig) normalize() *InterceptorConfig {
	if c == nil {
		c = DefaultInterceptorConfig()
	}
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
	return c
}

// UnaryClientInterceptor attaches the current access token to each call.
// When the server answers codes.Unauthenticated it reauthenticates and
// retries the call once. If reauthentication fails the original status is
// returned.
func UnaryClientInterceptor(src Reauthenticator, config *InterceptorConfig) grpc.UnaryClientInterceptor {
	config = config.normalize()

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if config.PublicMethods[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		token := currentToken(src)
		err := invoker(outgoing(ctx, src, token, config), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		fresh, rerr := src.Reauthenticate(ctx, token)
		if rerr != nil {
			return err
		}
		return invoker(outgoing(ctx, src, fresh, config), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches the current access token to each stream.
// Only a codes.Unauthenticated error from stream creation is retried; errors
// surfacing later on the stream are returned to the caller.
func StreamClientInterceptor(src Reauthenticator, config *InterceptorConfig) grpc.StreamClientInterceptor {
	config = config.normalize()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if config.PublicMethods[method] {
			return streamer(ctx, desc, cc, method, opts...)
		}

		token := currentToken(src)
		stream, err := streamer(outgoing(ctx, src, token, config), desc, cc, method, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return stream, err
		}

		fresh, rerr := src.Reauthenticate(ctx, token)
		if rerr != nil {
			return nil, err
		}
		return streamer(outgoing(ctx, src, fresh, config), desc, cc, method, opts...)
	}
}

func currentToken(src oauth2.TokenSource) string {
	tok, err := src.Token()
	if err != nil || tok == nil {
		return ""
	}
	return tok.AccessToken
}

func outgoing(ctx context.Context, src Reauthenticator, token string, config *InterceptorConfig) context.Context {
	ctx = TokenToOutgoingContextWithConfig(ctx, token, config.Config)
	if us, ok := src.(UserSource); ok {
		if id, ok := us.UserID(); ok {
			ctx = UserIDToOutgoingContextWithKey(ctx, strconv.FormatInt(id, 10), config.MetadataKeyUserID)
		}
	}
	return ctx
}

// tokenCredentials implements credentials.PerRPCCredentials over a TokenSource.
type tokenCredentials struct {
	src        oauth2.TokenSource
	key        string
	requireTLS bool
}

// PerRPCCredentials returns call credentials that read the bearer token from
// src on every RPC, for use with grpc.WithPerRPCCredentials. They never
// refresh; pair them with UnaryClientInterceptor for that.
func PerRPCCredentials(src oauth2.TokenSource, requireTLS bool) credentials.PerRPCCredentials {
	return &tokenCredentials{src: src, key: DefaultMetadataKeyAuthorization, requireTLS: requireTLS}
}

func (c *tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	tok, err := c.src.Token()
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "no access token: %v", err)
	}
	return map[string]string{c.key: "Bearer " + tok.AccessToken}, nil
}

func (c *tokenCredentials) RequireTransportSecurity() bool {
	return c.requireTLS
}
