// Package auth implements the bearer/basic challenge negotiator:
// parsing WWW-Authenticate, exchanging a token against the realm, and
// caching it for the lifetime of one Coordinate.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ociassemble/ociassemble/internal/ocierr"
	"github.com/ociassemble/ociassemble/internal/transport"
)

// Method selects how credentials are presented on subsequent requests.
type Method string

const (
	MethodToken Method = "token"
	MethodBasic Method = "basic"
)

// Negotiator holds the per-Coordinate auth state: the configured method,
// optional basic credentials, and a cached bearer token. The cache is
// per coordinate, not global.
type Negotiator struct {
	Method   Method
	Username string
	Password string

	client *transport.Client
	token  string
}

// New returns a Negotiator bound to client.
func New(client *transport.Client, method Method, username, password string) *Negotiator {
	return &Negotiator{Method: method, Username: username, Password: password, client: client}
}

// challenge is the parsed form of a WWW-Authenticate header value.
type challenge struct {
	scheme  string
	realm   string
	service string
	scope   string
}

// parseChallenge parses headers of the form:
//
//	Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:lib/app:pull"
//
// Quotes around parameter values are optional.
func parseChallenge(header string) (challenge, error) {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok {
		return challenge{}, fmt.Errorf("auth: malformed WWW-Authenticate header %q", header)
	}
	c := challenge{scheme: strings.ToLower(strings.TrimSpace(scheme))}

	for _, part := range splitParams(rest) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.ToLower(k) {
		case "realm":
			c.realm = v
		case "service":
			c.service = v
		case "scope":
			c.scope = v
		}
	}
	return c, nil
}

// splitParams splits a comma-separated parameter list, tolerating commas
// embedded inside quoted values.
func splitParams(s string) []string {
	var parts []string
	var buf strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			buf.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, buf.String())
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}
	return parts
}

// AuthHeader returns the Authorization header value to attach to a
// request. For the token method it returns "" until a bearer token has
// been negotiated; for the basic method it builds the header directly
// from the configured credentials, without any negotiation, and returns
// "" only when no username is configured.
func (n *Negotiator) AuthHeader() string {
	switch n.Method {
	case MethodToken:
		if n.token == "" {
			return ""
		}
		return "Bearer " + n.token
	case MethodBasic:
		if n.Username == "" {
			return ""
		}
		return "Basic " + basicAuth(n.Username, n.Password)
	}
	return ""
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// Negotiate handles a 401 response: for bearer auth it parses the
// challenge and exchanges a token against the realm, caching it on n for
// subsequent AuthHeader calls. For basic auth there is nothing to
// exchange — the header is constructed directly from the configured
// credentials — so Negotiate only validates that credentials exist.
func (n *Negotiator) Negotiate(ctx context.Context, resp *http.Response) error {
	wwwAuth := resp.Header.Get("WWW-Authenticate")
	if wwwAuth == "" {
		return ocierr.New(ocierr.AuthFailed, "401 response carried no WWW-Authenticate header")
	}

	c, err := parseChallenge(wwwAuth)
	if err != nil {
		return ocierr.Wrap(ocierr.AuthFailed, "parsing WWW-Authenticate header", err)
	}

	switch c.scheme {
	case "bearer":
		return n.exchangeToken(ctx, c)
	case "basic":
		if n.Username == "" {
			return ocierr.New(ocierr.AuthFailed, "registry requires basic auth but no credentials are configured")
		}
		return nil
	default:
		return ocierr.New(ocierr.AuthFailed, fmt.Sprintf("unsupported auth scheme %q", c.scheme))
	}
}

func (n *Negotiator) exchangeToken(ctx context.Context, c challenge) error {
	if c.realm == "" {
		return ocierr.New(ocierr.AuthFailed, "bearer challenge missing realm")
	}

	q := url.Values{}
	if c.service != "" {
		q.Set("service", c.service)
	}
	if c.scope != "" {
		q.Set("scope", c.scope)
	}
	tokenURL := c.realm
	if encoded := q.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(tokenURL, "?") {
			sep = "&"
		}
		tokenURL += sep + encoded
	}

	headers := http.Header{}
	if n.Username != "" {
		headers.Set("Authorization", "Basic "+basicAuth(n.Username, n.Password))
	}

	resp, err := n.client.Request(ctx, http.MethodGet, tokenURL, headers)
	if err != nil {
		return ocierr.Wrap(ocierr.AuthFailed, "requesting bearer token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ocierr.New(ocierr.AuthFailed, fmt.Sprintf("token exchange returned status %d", resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return ocierr.New(ocierr.AuthFailed, fmt.Sprintf("token exchange returned unexpected Content-Type %q", ct))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ocierr.Wrap(ocierr.AuthFailed, "reading token exchange response", err)
	}

	var parsed struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ocierr.Wrap(ocierr.AuthFailed, "parsing token exchange response", err)
	}

	token := parsed.Token
	if token == "" {
		token = parsed.AccessToken
	}
	if token == "" {
		return ocierr.New(ocierr.AuthFailed, "token exchange response carried no token")
	}

	n.token = token
	return nil
}
