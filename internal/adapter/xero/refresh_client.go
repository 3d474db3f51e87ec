package xero

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

	"github.com/smallbiznis/xero-connect/internal/domain"
)

// TokenPair is the result of a successful refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// expiresInShrink is subtracted from the provider's stated expires_in when
// the access token carries no usable exp claim, absorbing clock skew and
// response latency.
const expiresInShrink = 30 * time.Second

// Xero signs access tokens with RS256; the others cover provider rotation.
var accessTokenAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.PS256, jose.ES256}

// HTTPRefreshClient is the default Refresher against the Xero identity
// token endpoint. A transient failure is retried once before the error
// propagates.
type HTTPRefreshClient struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	now          func() time.Time
}

var _ Refresher = (*HTTPRefreshClient)(nil)

// NewHTTPRefreshClient constructs the default Refresher.
func NewHTTPRefreshClient(client *http.Client, tokenURL, clientID, clientSecret string) *HTTPRefreshClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRefreshClient{
		httpClient:   client,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// Refresh performs the refresh_token grant. Errors are always
// *domain.RefreshError; transient failures get one internal retry.
func (c *HTTPRefreshClient) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := c.refreshOnce(ctx, refreshToken)
	if err == nil {
		return pair, nil
	}
	if domain.IsPermanentRefreshFailure(err) || ctx.Err() != nil {
		return nil, err
	}
	return c.refreshOnce(ctx, refreshToken)
}

func (c *HTTPRefreshClient) refreshOnce(ctx context.Context, refreshToken string) (*TokenPair, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, transientErr(0, "", fmt.Errorf("build refresh request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientErr(0, "", fmt.Errorf("refresh request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transientErr(resp.StatusCode, "", fmt.Errorf("read refresh response: %w", err))
	}

	if resp.StatusCode >= 300 {
		return nil, classifyFailure(resp.StatusCode, body)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, transientErr(resp.StatusCode, "", fmt.Errorf("decode refresh response: %w", err))
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return nil, transientErr(resp.StatusCode, "", fmt.Errorf("refresh response missing token pair"))
	}

	return &TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    c.resolveExpiry(payload.AccessToken, payload.ExpiresIn),
	}, nil
}

// resolveExpiry prefers the exp claim embedded in the access token over
// the provider's stated duration; the claim is authoritative even without
// signature verification because only expiry bookkeeping depends on it.
func (c *HTTPRefreshClient) resolveExpiry(accessToken string, expiresIn int64) time.Time {
	if parsed, err := jwt.ParseSigned(accessToken, accessTokenAlgs); err == nil {
		var claims jwt.Claims
		if err := parsed.UnsafeClaimsWithoutVerification(&claims); err == nil && claims.Expiry != nil {
			return claims.Expiry.Time().UTC()
		}
	}
	return c.now().UTC().Add(time.Duration(expiresIn)*time.Second - expiresInShrink)
}

// classifyFailure maps a non-2xx token endpoint response onto the closed
// failure taxonomy. Only an explicit invalid_grant/invalid_client on a 400
// means the credential is dead; everything else may be a provider blip.
func classifyFailure(status int, body []byte) *domain.RefreshError {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	if status == http.StatusBadRequest {
		switch payload.Error {
		case "invalid_grant", "invalid_client":
			return &domain.RefreshError{
				Kind:       domain.FailurePermanent,
				Code:       payload.Error,
				StatusCode: status,
			}
		}
	}
	return transientErr(status, payload.Error, fmt.Errorf("token endpoint status %d", status))
}

func transientErr(status int, code string, err error) *domain.RefreshError {
	return &domain.RefreshError{
		Kind:       domain.FailureTransient,
		Code:       code,
		StatusCode: status,
		Err:        err,
	}
}
