package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

const (
	connectTimeout = 5 * time.Second
	requestTimeout = 30 * time.Second
	retryAttempts  = 4

	tokenKey = "access_token"
	// tokenSlack renews the cached token this long before it expires.
	tokenSlack = 30 * time.Second
)

// TokenResponse is the wire shape of a password grant exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// actualsPush is the bulk report sent to the status endpoint: the complete
// actual set of one agent for one kind.
type actualsPush struct {
	AgentUUID uuid.UUID        `json:"agent_uuid"`
	Kind      types.Kind       `json:"kind"`
	Actuals   []types.Resource `json:"actuals"`
}

// errorEnvelope is the wire error body.
type errorEnvelope struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Client talks to the control plane on behalf of a universal agent. It keeps
// two base URLs (the orchestration API and the status API), logs in with the
// password grant and caches the bearer token until shortly before expiry.
type Client struct {
	orchBase   string
	statusBase string
	login      config.Login
	httpc      *http.Client
	tokens     *cache.Cache
}

// New builds a client from agent configuration.
func New(cfg config.UniversalAgent) *Client {
	return &Client{
		orchBase:   strings.TrimRight(cfg.OrchEndpoint, "/"),
		statusBase: strings.TrimRight(cfg.StatusEndpoint, "/"),
		login:      cfg.Login,
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: requestTimeout,
			},
		},
		tokens: cache.New(cache.NoExpiration, time.Minute),
	}
}

// RegisterAgent creates or refreshes the agent record, advertising its
// capabilities. Also serves as the heartbeat carrier: registration is
// repeated every iteration.
func (c *Client) RegisterAgent(ctx context.Context, agent *types.Agent) error {
	return c.doIdempotent(ctx, http.MethodPost, c.orchBase+"/v1/orch/agents/", agent, nil)
}

// Heartbeat refreshes the agent liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, agent uuid.UUID) error {
	u := fmt.Sprintf("%s/v1/orch/agents/%s", c.orchBase, agent)
	return c.doIdempotent(ctx, http.MethodPut, u, nil, nil)
}

// Targets fetches the targets of one kind assigned to the agent, DELETING
// rows included.
func (c *Client) Targets(ctx context.Context, agent uuid.UUID, kind types.Kind) ([]types.Resource, error) {
	u := fmt.Sprintf("%s/v1/orch/agents/%s/targets?kind=%s", c.orchBase, agent, url.QueryEscape(string(kind)))
	var out []types.Resource
	if err := c.doIdempotent(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PushActuals replaces the agent's reported actual set for one kind.
func (c *Client) PushActuals(ctx context.Context, agent uuid.UUID, kind types.Kind, actuals []types.Resource) error {
	body := actualsPush{AgentUUID: agent, Kind: kind, Actuals: actuals}
	return c.doIdempotent(ctx, http.MethodPut, c.statusBase+"/v1/status/actuals/", body, nil)
}

// doIdempotent wraps an idempotent call with retry on Transient failures.
func (c *Client) doIdempotent(ctx context.Context, method, url string, body, out any) error {
	return retry.Do(
		func() error { return c.do(ctx, method, url, body, out) },
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(60*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(250*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(errdefs.IsTransient),
	)
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusUnauthorized {
			// The token may have been revoked server-side; drop the cache
			// so the next attempt logs in again.
			c.tokens.Delete(tokenKey)
		}
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errdefs.Wrapf(errdefs.ErrTransient, err, "decode %s response", url)
		}
	}
	return nil
}

// token returns a cached bearer token, logging in when the cache is empty
// or the cached token is about to expire.
func (c *Client) token(ctx context.Context) (string, error) {
	if v, ok := c.tokens.Get(tokenKey); ok {
		return v.(string), nil
	}

	form := map[string]string{
		"grant_type":    "password",
		"client_id":     c.login.ClientID,
		"client_secret": c.login.ClientSecret,
		"username":      c.login.Username,
		"password":      c.login.Password,
	}
	raw, err := json.Marshal(form)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.orchBase+"/v1/iam/token", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrTransient, err, "login")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeError(resp)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errdefs.Wrapf(errdefs.ErrTransient, err, "decode token response")
	}
	if tr.AccessToken == "" {
		return "", errdefs.AuthRequiredf("empty access token")
	}

	c.tokens.Set(tokenKey, tr.AccessToken, tokenTTL(tr))
	return tr.AccessToken, nil
}

// tokenTTL derives the cache lifetime of a token: the JWT exp claim when the
// token is a JWT, the expires_in field otherwise. Opaque tokens without
// either stay for a conservative minute.
func tokenTTL(tr TokenResponse) time.Duration {
	if claims := jwtExpiry(tr.AccessToken); claims > 0 {
		return clampTTL(time.Until(time.Unix(claims, 0)))
	}
	if tr.ExpiresIn > 0 {
		return clampTTL(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return time.Minute
}

func jwtExpiry(token string) int64 {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return 0
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Unix()
}

func clampTTL(ttl time.Duration) time.Duration {
	ttl -= tokenSlack
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func decodeError(resp *http.Response) error {
	var env errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &env); err != nil || env.Message == "" {
		env.Message = strings.TrimSpace(string(raw))
	}
	return errdefs.FromHTTPStatus(resp.StatusCode, env.Message)
}
