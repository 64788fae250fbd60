package ig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trading-worker/config"
	"trading-worker/internal/broker"
)

// connState tracks the session lifecycle
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReAuthing
	stateFailed
)

// tokenInvalidCodes is the error-code class that triggers the one-shot
// re-auth retry. Any other venue error propagates as-is.
var tokenInvalidCodes = map[string]bool{
	"error.security.client-token-invalid":  true,
	"error.security.client-token-missing":  true,
	"error.security.account-token-invalid": true,
	"error.security.account-token-missing": true,
	"error.security.oauth-token-invalid":   true,
}

// Client talks to the IG Markets REST API. Two session styles are
// supported: traditional header tokens (CST / X-SECURITY-TOKEN read from
// the login response headers) and OAuth bearer tokens with refresh.
// The two are never mixed on one request.
type Client struct {
	cfg        config.IGConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger

	mu    sync.Mutex
	state connState

	// traditional session tokens
	cst           string
	securityToken string

	// oauth tokens
	accessToken  string
	refreshToken string
	accessExpiry time.Time

	loginCount int // observable for tests
}

// NewClient creates an IG client from config
func NewClient(cfg config.IGConfig, logger zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		// IG allows ~30 non-trading requests per minute per app
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		logger:  logger.With().Str("component", "IGClient").Logger(),
	}
}

func (c *Client) Kind() broker.Kind { return broker.KindIG }

// IsConnected reports whether the session holds usable tokens
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// LoginCount returns how many login requests have been issued
func (c *Client) LoginCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginCount
}

// Connect authenticates against /session. Idempotent: an already
// connected client returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	var err error
	if c.cfg.UseOAuth {
		err = c.loginOAuth(ctx)
	} else {
		err = c.loginTraditional(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = stateFailed
		return err
	}
	c.state = stateConnected
	return nil
}

// Disconnect ends the session. Traditional sessions log out server-side;
// OAuth tokens are simply dropped because the server expires them itself.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	wasTraditional := !c.cfg.UseOAuth && c.cst != ""
	c.mu.Unlock()

	var err error
	if wasTraditional {
		req, rerr := c.newRequest(ctx, http.MethodDelete, "/session", nil, "1")
		if rerr == nil {
			resp, derr := c.httpClient.Do(req)
			if derr != nil {
				err = fmt.Errorf("%w: logout: %v", broker.ErrNetwork, derr)
			} else {
				resp.Body.Close()
			}
		}
	}

	c.mu.Lock()
	c.cst = ""
	c.securityToken = ""
	c.accessToken = ""
	c.refreshToken = ""
	c.state = stateDisconnected
	c.mu.Unlock()
	return err
}

// loginTraditional posts credentials to /session v2 and reads the session
// tokens from the response headers.
func (c *Client) loginTraditional(ctx context.Context) error {
	body := map[string]string{
		"identifier": c.cfg.Username,
		"password":   c.cfg.Password,
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/session", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", c.cfg.APIKey)
	req.Header.Set("Version", "2")

	c.mu.Lock()
	c.loginCount++
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", broker.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: login rejected (%d): %s", broker.ErrAuthentication, resp.StatusCode, string(respBody))
	}

	cst := resp.Header.Get("CST")
	token := resp.Header.Get("X-SECURITY-TOKEN")
	if cst == "" || token == "" {
		return fmt.Errorf("%w: login response missing session headers", broker.ErrAuthentication)
	}

	c.mu.Lock()
	c.cst = cst
	c.securityToken = token
	c.mu.Unlock()
	return nil
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    string `json:"expires_in"`
}

type oauthSessionResponse struct {
	AccountID   string             `json:"accountId"`
	OauthToken  oauthTokenResponse `json:"oauthToken"`
	ClientID    string             `json:"clientId"`
	TimezoneOff int                `json:"timezoneOffset"`
}

// loginOAuth posts credentials to /session v3 and parses bearer tokens
// from the response body.
func (c *Client) loginOAuth(ctx context.Context) error {
	body := map[string]string{
		"identifier": c.cfg.Username,
		"password":   c.cfg.Password,
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/session", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", c.cfg.APIKey)
	req.Header.Set("Version", "3")

	c.mu.Lock()
	c.loginCount++
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", broker.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading login response: %v", broker.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login rejected (%d): %s", broker.ErrAuthentication, resp.StatusCode, string(respBody))
	}

	var session oauthSessionResponse
	if err := json.Unmarshal(respBody, &session); err != nil {
		return fmt.Errorf("parsing oauth session: %w", err)
	}
	if session.OauthToken.AccessToken == "" {
		return fmt.Errorf("%w: oauth session missing access token", broker.ErrAuthentication)
	}

	c.storeOAuthTokens(session.OauthToken)
	return nil
}

// refreshOAuth exchanges the refresh token for new bearer tokens. The
// caller falls back to a full login when this fails.
func (c *Client) refreshOAuth(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return fmt.Errorf("%w: no refresh token", broker.ErrAuthentication)
	}

	payload, _ := json.Marshal(map[string]string{"refresh_token": refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/session/refresh-token", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", c.cfg.APIKey)
	req.Header.Set("Version", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token refresh: %v", broker.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: token refresh rejected (%d)", broker.ErrAuthentication, resp.StatusCode)
	}

	var tokens oauthTokenResponse
	if err := json.Unmarshal(respBody, &tokens); err != nil {
		return fmt.Errorf("parsing refresh response: %w", err)
	}
	c.storeOAuthTokens(tokens)
	return nil
}

// storeOAuthTokens records tokens and derives the access expiry. The
// expiry comes from the JWT exp claim when the token parses as one,
// otherwise from the expires_in field.
func (c *Client) storeOAuthTokens(tokens oauthTokenResponse) {
	expiry := time.Now().Add(55 * time.Second)
	if secs, err := strconv.Atoi(tokens.ExpiresIn); err == nil && secs > 0 {
		expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	if claims := parseTokenExpiry(tokens.AccessToken); !claims.IsZero() {
		expiry = claims
	}

	c.mu.Lock()
	c.accessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		c.refreshToken = tokens.RefreshToken
	}
	// refresh slightly before the server-side expiry
	c.accessExpiry = expiry.Add(-10 * time.Second)
	c.mu.Unlock()
}

// parseTokenExpiry reads the exp claim from a JWT without verifying the
// signature. Returns zero time when the token is not a JWT.
func parseTokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// reAuth performs the single internal re-login used by the retry path.
// OAuth sessions try the refresh endpoint first.
func (c *Client) reAuth(ctx context.Context) error {
	c.mu.Lock()
	c.state = stateReAuthing
	c.mu.Unlock()

	var err error
	if c.cfg.UseOAuth {
		if err = c.refreshOAuth(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("token refresh failed, falling back to full login")
			err = c.loginOAuth(ctx)
		}
	} else {
		err = c.loginTraditional(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = stateFailed
		return err
	}
	c.state = stateConnected
	return nil
}

// newRequest builds a request with the correct session headers for the
// active session style. Traditional headers and bearer tokens are never
// combined.
func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, version string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", c.cfg.APIKey)
	req.Header.Set("Version", version)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.UseOAuth {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("IG-ACCOUNT-ID", c.cfg.AccountID)
	} else {
		req.Header.Set("CST", c.cst)
		req.Header.Set("X-SECURITY-TOKEN", c.securityToken)
	}
	return req, nil
}

type apiError struct {
	ErrorCode string `json:"errorCode"`
}

// doRequest executes one authenticated call. On a token-invalid-class
// error it re-authenticates exactly once and retries the request exactly
// once; a second failure surfaces ErrAuthentication. All other venue
// errors propagate without retry.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, version string) ([]byte, error) {
	c.mu.Lock()
	connected := c.state == stateConnected || c.state == stateReAuthing
	oauthExpired := c.cfg.UseOAuth && !c.accessExpiry.IsZero() && time.Now().After(c.accessExpiry)
	c.mu.Unlock()
	if !connected {
		return nil, broker.ErrNotConnected
	}
	if oauthExpired {
		if err := c.reAuth(ctx); err != nil {
			return nil, err
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrNetwork, err)
	}

	respBody, code, err := c.execute(ctx, method, path, body, version)
	if err != nil {
		return nil, err
	}
	if code >= 200 && code < 300 {
		return respBody, nil
	}

	var ae apiError
	_ = json.Unmarshal(respBody, &ae)
	if !tokenInvalidCodes[ae.ErrorCode] {
		return nil, broker.NewVenueError(broker.KindIG, strconv.Itoa(code), venueMessage(ae.ErrorCode, respBody))
	}

	// one-shot re-auth and retry
	c.logger.Info().Str("error_code", ae.ErrorCode).Msg("session token invalid, re-authenticating")
	if err := c.reAuth(ctx); err != nil {
		return nil, fmt.Errorf("%w: re-auth after %s: %v", broker.ErrAuthentication, ae.ErrorCode, err)
	}

	respBody, code, err = c.execute(ctx, method, path, body, version)
	if err != nil {
		return nil, err
	}
	if code >= 200 && code < 300 {
		return respBody, nil
	}

	c.mu.Lock()
	c.state = stateFailed
	c.mu.Unlock()
	return nil, fmt.Errorf("%w: request still rejected after re-auth (%d): %s",
		broker.ErrAuthentication, code, string(respBody))
}

// execute performs one HTTP round trip
func (c *Client) execute(ctx context.Context, method, path string, body []byte, version string) ([]byte, int, error) {
	req, err := c.newRequest(ctx, method, path, body, version)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %s: %v", broker.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", broker.ErrNetwork, err)
	}
	return respBody, resp.StatusCode, nil
}

func venueMessage(code string, body []byte) string {
	if code != "" {
		return code
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
