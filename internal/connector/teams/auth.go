package teams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultOpenIDURL = "https://login.botframework.com/v1/.well-known/openidconfiguration"
	botIssuer        = "https://api.botframework.com"
	botScope         = "https://api.botframework.com/.default"
	clockSkew        = 5 * time.Minute
)

// ErrUnauthorized is returned when an inbound request is not signed by the
// Bot Framework for this app.
var ErrUnauthorized = errors.New("teams: unauthorized")

// tokenSource obtains bot access tokens through the client credentials
// grant and caches them until shortly before expiry.
type tokenSource struct {
	client   *http.Client
	tokenURL string
	appID    string
	secret   string
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newTokenSource(client *http.Client, tenant, appID, secret string) *tokenSource {
	if tenant == "" {
		tenant = "botframework.com"
	}
	return &tokenSource{
		client:   client,
		tokenURL: "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token",
		appID:    appID,
		secret:   secret,
		now:      time.Now,
	}
}

func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expiry) {
		return s.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.appID},
		"client_secret": {s.secret},
		"scope":         {botScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("teams: token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("teams: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("teams: token request: HTTP %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("teams: decode token: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("teams: empty access token")
	}
	s.token = out.AccessToken
	s.expiry = s.now().Add(time.Duration(out.ExpiresIn)*time.Second - clockSkew)
	return s.token, nil
}

// verifier checks the RS256 bearer tokens the Bot Framework attaches to
// inbound activities. The JWKS location comes from the OpenID metadata
// document; keyfunc refreshes the keys from there on.
type verifier struct {
	client    *http.Client
	openIDURL string
	appID     string
	now       func() time.Time

	ctx    context.Context // bounds the background key refresh
	cancel context.CancelFunc

	mu   sync.Mutex
	keys keyfunc.Keyfunc
}

// botClaims are the claims of a Bot Framework channel token.
type botClaims struct {
	ServiceURL string `json:"serviceurl"`
	jwt.RegisteredClaims
}

func newVerifier(client *http.Client, openIDURL, appID string) *verifier {
	if openIDURL == "" {
		openIDURL = defaultOpenIDURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &verifier{client: client, openIDURL: openIDURL, appID: appID, now: time.Now, ctx: ctx, cancel: cancel}
}

// Verify validates an Authorization header value for an activity that
// names serviceURL as its connector service.
func (v *verifier) Verify(ctx context.Context, authorization, serviceURL string) error {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	keys, err := v.keySet(ctx)
	if err != nil {
		return err
	}

	var claims botClaims
	_, err = jwt.ParseWithClaims(raw, &claims, keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(botIssuer),
		jwt.WithAudience(v.appID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	// A token minted for one connector service must not vouch for another.
	if claims.ServiceURL != serviceURL {
		return fmt.Errorf("%w: serviceurl %q does not match activity", ErrUnauthorized, claims.ServiceURL)
	}
	return nil
}

// keySet resolves the JWKS once. Unknown key ids trigger a rate-limited
// refresh inside keyfunc, outside of v.mu.
func (v *verifier) keySet(ctx context.Context) (keyfunc.Keyfunc, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys != nil {
		return v.keys, nil
	}

	var cfg struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := v.getJSON(ctx, v.openIDURL, &cfg); err != nil {
		return nil, fmt.Errorf("teams: openid config: %w", err)
	}
	if cfg.JWKSURI == "" {
		return nil, errors.New("teams: openid config: no jwks_uri")
	}
	keys, err := keyfunc.NewDefaultCtx(v.ctx, []string{cfg.JWKSURI})
	if err != nil {
		return nil, fmt.Errorf("teams: signing keys: %w", err)
	}
	v.keys = keys
	return keys, nil
}

// Close stops the background key refresh.
func (v *verifier) Close() {
	v.cancel()
}

func (v *verifier) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
