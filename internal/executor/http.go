// Package executor contains the default action-executor client: it hands
// rule-evaluation contexts to the external service that actually runs the
// configured actions against a dtable.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dtable-io/automationd/internal/dispatch"
	"github.com/golang-jwt/jwt/v5"
)

const (
	runPath           = "/api/v1/automation-rules/run/"
	requestTimeout    = 3 * time.Minute
	tokenLifetime     = 5 * time.Minute
	maxErrorBodyBytes = 512
)

// HTTPExecutor posts rule contexts to the action-execution service. A 2xx
// response confirms the rule fired; the service is responsible for
// advancing trigger_count/last_trigger_time on the rule row.
type HTTPExecutor struct {
	baseURL    string
	privateKey string
	httpClient *http.Client
}

// NewHTTPExecutor constructs the default executor client.
func NewHTTPExecutor(baseURL, privateKey string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Execute implements dispatch.Executor. The base's metadata document is
// resolved through the caller's cache, so firing N rules against the same
// base in one sweep costs one metadata fetch.
func (e *HTTPExecutor) Execute(ctx context.Context, rc *dispatch.RuleContext) error {
	if e == nil || e.baseURL == "" {
		return errors.New("executor: not configured")
	}
	if rc == nil {
		return errors.New("executor: nil rule context")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var metadata json.RawMessage
	if rc.Metadata != nil {
		doc, errMeta := rc.Metadata.Metadata(ctx, rc.DTableUUID)
		if errMeta != nil {
			return fmt.Errorf("executor: rule %d metadata: %w", rc.RuleID, errMeta)
		}
		metadata = doc
	}

	payload := struct {
		*dispatch.RuleContext
		DTableMetadata json.RawMessage `json:"dtable_metadata,omitempty"`
	}{rc, metadata}
	body, errMarshal := json.Marshal(&payload)
	if errMarshal != nil {
		return fmt.Errorf("executor: marshal context: %w", errMarshal)
	}

	token, errToken := e.signToken(rc.DTableUUID)
	if errToken != nil {
		return fmt.Errorf("executor: sign token: %w", errToken)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+runPath, bytes.NewReader(body))
	if errReq != nil {
		return fmt.Errorf("executor: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := e.httpClient.Do(req)
	if errDo != nil {
		return fmt.Errorf("executor: request: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("executor: rule %d status=%d body=%s", rc.RuleID, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Metadata fetches the current metadata document for a base. It is the
// fetch function behind the per-event and per-sweep metadata caches.
func (e *HTTPExecutor) Metadata(ctx context.Context, dtableUUID string) (json.RawMessage, error) {
	if e == nil || e.baseURL == "" {
		return nil, errors.New("executor: not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	token, errToken := e.signToken(dtableUUID)
	if errToken != nil {
		return nil, fmt.Errorf("executor: sign token: %w", errToken)
	}

	url := fmt.Sprintf("%s/api/v1/dtables/%s/metadata/", e.baseURL, dtableUUID)
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if errReq != nil {
		return nil, fmt.Errorf("executor: build metadata request: %w", errReq)
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Accept", "application/json")

	resp, errDo := e.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("executor: metadata request: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("executor: metadata %s status=%d body=%s", dtableUUID, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	body, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, fmt.Errorf("executor: read metadata: %w", errRead)
	}
	return json.RawMessage(body), nil
}

func (e *HTTPExecutor) signToken(dtableUUID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"dtable_uuid": dtableUUID,
		"exp":         now.Add(tokenLifetime).Unix(),
	})
	return token.SignedString([]byte(e.privateKey))
}
