package client

import (
	"net/http"

	"golang.org/x/oauth2"
)

var _ oauth2.TokenSource = (*Client)(nil)

// Token implements oauth2.TokenSource over the credential store. It never
// refreshes; it returns ErrUnauthorized when no access token is stored.
func (c *Client) Token() (*oauth2.Token, error) {
	cred, err := c.store.Get()
	if err != nil {
		return nil, err
	}
	if !cred.IsAuthenticated() {
		return nil, ErrUnauthorized
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
	}, nil
}

// HTTPClient returns a plain *http.Client that attaches the current access
// token to every request. Responses are not inspected: a 401 seen through
// this client does not start a refresh. Use it for streaming endpoints the
// envelope API cannot express.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: c,
			Base:   c.baseTransport,
		},
		Timeout: c.timeout,
	}
}
