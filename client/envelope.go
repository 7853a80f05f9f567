package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SuccessCode is the envelope code for a successful call.
const SuccessCode = 0

// Envelope is the uniform response wrapper returned by the portal API.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Total   *int64          `json:"total,omitempty"`
}

// errMissingCode is returned by decodeEnvelope for a body with no code field
var errMissingCode = errors.New("envelope has no code")

// wireEnvelope is Envelope as received, with an absent code kept distinct
// from the success code.
type wireEnvelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Total   *int64          `json:"total,omitempty"`
}

// decodeEnvelope parses a JSON response body. A body without a code, including
// a literal null, is not an envelope.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.Code == nil {
		return nil, errMissingCode
	}
	return &Envelope{Code: *w.Code, Message: w.Message, Data: w.Data, Total: w.Total}, nil
}

// Blob is a binary response (CSV exports and the like). It bypasses
// envelope unwrapping.
type Blob struct {
	ContentType string
	Filename    string // from Content-Disposition, if the server sent one
	Data        []byte
}

// Decode unmarshals the envelope data into T.
func Decode[T any](env *Envelope) (T, error) {
	var out T
	if env == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("unexpected data shape for %T", out),
			Err:     err,
		}
	}
	return out, nil
}

// Fetch issues a call and decodes the envelope data into T.
func Fetch[T any](ctx context.Context, c *Client, method, path string, body any, opts ...CallOption) (T, *Envelope, error) {
	var zero T
	env, err := c.Call(ctx, method, path, body, opts...)
	if err != nil {
		return zero, nil, err
	}
	out, err := Decode[T](env)
	if err != nil {
		return zero, env, err
	}
	return out, env, nil
}
