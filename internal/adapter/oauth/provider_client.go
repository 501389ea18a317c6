// Package oauth contains the outbound HTTP client for external identity
// providers.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/passage-auth/internal/domain"
)

// ProviderConfig holds the endpoints and client credentials for one provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// ProviderClient encapsulates the code-for-identity exchange. Failures are
// classified: retryable upstream faults wrap domain.ErrProviderUnavailable
// so the caller can keep the state token spendable.
type ProviderClient interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (domain.ExternalIdentity, error)
}

// HTTPProviderClient is the default implementation.
type HTTPProviderClient struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

// NewHTTPProviderClient constructs the default ProviderClient. A nil client
// gets a bounded timeout; provider calls must never block indefinitely.
func NewHTTPProviderClient(cfg ProviderConfig, client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{cfg: cfg, httpClient: client}
}

// AuthorizationURL builds the provider authorization redirect for a state.
func (c *HTTPProviderClient) AuthorizationURL(state string) string {
	u, err := url.Parse(c.cfg.AuthURL)
	if err != nil {
		return ""
	}
	scopes := c.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	params := u.Query()
	params.Set("client_id", c.cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", c.cfg.RedirectURL)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	u.RawQuery = params.Encode()
	return u.String()
}

// Exchange redeems the authorization code and normalizes the identity from
// the id_token claims, falling back to the userinfo endpoint.
func (c *HTTPProviderClient) Exchange(ctx context.Context, code string) (domain.ExternalIdentity, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.cfg.RedirectURL)
	data.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		data.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ExternalIdentity{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: read token response", domain.ErrProviderUnavailable)
	}
	if retryableStatus(resp.StatusCode) {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: token endpoint status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: token endpoint status %d", domain.ErrTokenInvalid, resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("decode token response: %w", err)
	}

	if identity, ok := c.identityFromIDToken(tokenResp.IDToken); ok {
		return identity, nil
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: empty access token", domain.ErrTokenInvalid)
	}
	return c.fetchUserInfo(ctx, tokenResp.AccessToken)
}

// identityFromIDToken extracts profile claims from the id_token. The token
// arrived over the direct TLS channel to the provider's token endpoint, so
// claims are read without a JWKS round trip.
func (c *HTTPProviderClient) identityFromIDToken(idToken string) (domain.ExternalIdentity, bool) {
	if strings.TrimSpace(idToken) == "" {
		return domain.ExternalIdentity{}, false
	}
	parsed, err := jwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return domain.ExternalIdentity{}, false
	}
	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return domain.ExternalIdentity{}, false
	}
	if claims.Subject == "" || claims.Email == "" {
		return domain.ExternalIdentity{}, false
	}
	return domain.ExternalIdentity{
		Provider: c.cfg.Name,
		Subject:  claims.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
	}, true
}

func (c *HTTPProviderClient) fetchUserInfo(ctx context.Context, accessToken string) (domain.ExternalIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserInfoURL, nil)
	if err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ExternalIdentity{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: read userinfo", domain.ErrProviderUnavailable)
	}
	if retryableStatus(resp.StatusCode) {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: userinfo status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: userinfo status %d", domain.ErrTokenInvalid, resp.StatusCode)
	}

	var raw struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if raw.Subject == "" || raw.Email == "" {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: incomplete userinfo", domain.ErrTokenInvalid)
	}
	return domain.ExternalIdentity{
		Provider: c.cfg.Name,
		Subject:  raw.Subject,
		Email:    raw.Email,
		Name:     raw.Name,
	}, nil
}

// Network faults and timeouts are always retryable; the provider was never
// observed to have consumed the code.
func classifyTransportError(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
