// Package roles fetches per-role automation quota defaults from the
// platform web application's internal roles endpoint.
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

const (
	internalRolesPath  = "/api/v2.1/internal/roles/"
	requestTimeout     = 20 * time.Second
	tokenLifetime      = 5 * time.Minute
	maxFetchTries      = 3
	maxErrorBodyBytes  = 512
	initialRetryDelay  = 500 * time.Millisecond
	maxRetryDelayLimit = 5 * time.Second
)

// UnlimitedRoleLimit is the default when a role is unknown to the
// directory: negative means the role carries no monthly cap.
const UnlimitedRoleLimit = int64(-1)

// Role holds the directory's quota defaults for one role.
type Role struct {
	AutomationRulesLimitPerMonth int64 `json:"automation_rules_limit_per_month"`
}

// Directory supplies a role-name to quota-defaults snapshot.
type Directory interface {
	Roles(ctx context.Context) (map[string]Role, error)
}

// Client calls the web application's internal roles endpoint, signing
// each request with a short-lived JWT over the shared private key.
type Client struct {
	baseURL    string
	privateKey string
	httpClient *http.Client
}

// NewClient constructs a role directory client.
func NewClient(baseURL, privateKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Roles fetches the role snapshot, retrying transient failures with
// exponential backoff. Client-side HTTP errors (4xx) are not retried.
func (c *Client) Roles(ctx context.Context) (map[string]Role, error) {
	if c == nil || c.baseURL == "" {
		return nil, errors.New("roles: client not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelayLimit

	operation := func() (map[string]Role, error) {
		snapshot, errFetch := c.fetchOnce(ctx)
		if errFetch != nil {
			var statusErr *statusError
			if errors.As(errFetch, &statusErr) && statusErr.code >= 400 && statusErr.code < 500 {
				return nil, backoff.Permanent(errFetch)
			}
			return nil, errFetch
		}
		return snapshot, nil
	}

	snapshot, err := backoff.Retry(ctx, operation, backoff.WithBackOff(b), backoff.WithMaxTries(maxFetchTries))
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("roles: status=%d body=%s", e.code, e.body)
}

func (c *Client) fetchOnce(ctx context.Context) (map[string]Role, error) {
	token, errToken := c.signToken()
	if errToken != nil {
		return nil, fmt.Errorf("roles: sign token: %w", errToken)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+internalRolesPath, nil)
	if errReq != nil {
		return nil, fmt.Errorf("roles: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Accept", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("roles: request: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		Roles map[string]Role `json:"roles"`
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(&payload); errDecode != nil {
		return nil, fmt.Errorf("roles: decode response: %w", errDecode)
	}
	if payload.Roles == nil {
		payload.Roles = map[string]Role{}
	}
	return payload.Roles, nil
}

func (c *Client) signToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp":         now.Add(tokenLifetime).Unix(),
		"is_internal": true,
	})
	return token.SignedString([]byte(c.privateKey))
}

// LimitFor resolves a role's monthly cap from a snapshot; unknown roles
// are unlimited.
func LimitFor(snapshot map[string]Role, role string) int64 {
	info, ok := snapshot[role]
	if !ok {
		return UnlimitedRoleLimit
	}
	return info.AutomationRulesLimitPerMonth
}

// FetchOrEmpty returns the directory snapshot, degrading to an empty one
// when the directory is unavailable so role-based limits resolve to
// unlimited rather than spuriously marking tenants exceeded.
func FetchOrEmpty(ctx context.Context, dir Directory) map[string]Role {
	if dir == nil {
		return map[string]Role{}
	}
	snapshot, err := dir.Roles(ctx)
	if err != nil {
		log.WithError(err).Error("roles: fetch failed, treating all roles as unlimited")
		return map[string]Role{}
	}
	return snapshot
}
