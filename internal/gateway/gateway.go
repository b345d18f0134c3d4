// Package gateway provides the authenticated HTTP client the sync engine
// uses to talk to the remote service.
//
// All requests flow through a single path that attaches the current access
// token, transparently refreshes it once on a 401, and retries the
// original request exactly once. Version conflicts (409) are decoded into
// structured conflict results and never retried automatically.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/syncerr"
)

// Outcome classifies one item of a bulk response.
type Outcome string

const (
	// OutcomeSuccess means the server accepted the mutation.
	OutcomeSuccess Outcome = "success"

	// OutcomeConflict means the server's stored version is newer.
	OutcomeConflict Outcome = "conflict"

	// OutcomeError means the server rejected the item (e.g. validation).
	OutcomeError Outcome = "error"
)

// ItemResult is the per-item outcome of a bulk call, so mixed results from
// one batch can be applied independently.
type ItemResult struct {
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Outcome       Outcome         `json:"outcome"`
	RemoteID      string          `json:"remoteId,omitempty"`
	ServerVersion int64           `json:"serverVersion,omitempty"`
	ServerData    json.RawMessage `json:"serverData,omitempty"`
	Detail        string          `json:"detail,omitempty"`
}

// UnmarshalServerData decodes the server snapshot carried by a conflict
// result into v.
func (r *ItemResult) UnmarshalServerData(v interface{}) error {
	return json.Unmarshal(r.ServerData, v)
}

// FetchFilter narrows a FetchAll call.
type FetchFilter struct {
	// Since restricts results to entities changed after the watermark.
	// Zero means full pull.
	Since time.Time

	// RemoteID restricts results to a single entity. Used to re-fetch an
	// entity after a conflict response arrived without a server snapshot.
	RemoteID string
}

// Config holds gateway configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string

	// UserID identifies the account on bulk and fetch calls.
	UserID string

	// AccessToken and RefreshToken are produced by the application's
	// login flow; the gateway only consumes and rotates them.
	AccessToken  string
	RefreshToken string

	// BulkTimeout bounds bulk and fetch calls (default: 30s).
	BulkTimeout time.Duration

	// HealthTimeout bounds health checks (default: 5s).
	HealthTimeout time.Duration

	// HTTPClient overrides the default client (mainly for tests).
	HTTPClient *http.Client

	// Logger for gateway activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BulkTimeout:   30 * time.Second,
		HealthTimeout: 5 * time.Second,
		Logger:        log.New(os.Stderr, "[gateway] ", log.LstdFlags),
	}
}

// Gateway is the single authenticated HTTP entry point.
type Gateway struct {
	baseURL string
	userID  string
	client  *http.Client

	bulkTimeout   time.Duration
	healthTimeout time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	rotated      []func(accessToken string)

	logger *log.Logger
}

// New creates a gateway from the given configuration.
func New(cfg *Config) (*Gateway, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	bulkTimeout := cfg.BulkTimeout
	if bulkTimeout <= 0 {
		bulkTimeout = 30 * time.Second
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}

	return &Gateway{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		userID:        cfg.UserID,
		client:        client,
		bulkTimeout:   bulkTimeout,
		healthTimeout: healthTimeout,
		accessToken:   cfg.AccessToken,
		refreshToken:  cfg.RefreshToken,
		logger:        logger,
	}, nil
}

// OnTokenRotated registers a callback invoked whenever the access token is
// refreshed, so components holding a copy (e.g. the realtime channel) can
// update without the gateway knowing about them by name.
func (g *Gateway) OnTokenRotated(fn func(accessToken string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rotated = append(g.rotated, fn)
}

// AccessToken returns the current access token.
func (g *Gateway) AccessToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accessToken
}

// SetTokens replaces both tokens, e.g. after the application re-ran its
// login flow. Rotation callbacks fire with the new access token.
func (g *Gateway) SetTokens(accessToken, refreshToken string) {
	g.mu.Lock()
	g.accessToken = accessToken
	g.refreshToken = refreshToken
	callbacks := append([]func(string){}, g.rotated...)
	g.mu.Unlock()

	for _, fn := range callbacks {
		fn(accessToken)
	}
}

// bulkRequest is the POST /bulk-sync body.
type bulkRequest struct {
	UserID   string          `json:"userId"`
	Entities []entity.Entity `json:"entities"`
}

// bulkResponse is the POST /bulk-sync response.
type bulkResponse struct {
	Results []ItemResult `json:"results"`
}

// BulkUpsert pushes a batch of entity snapshots in one call and returns
// the per-item outcomes.
func (g *Gateway) BulkUpsert(ctx context.Context, entities []entity.Entity) ([]ItemResult, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.bulkTimeout)
	defer cancel()

	body := bulkRequest{UserID: g.userID, Entities: entities}
	resp, err := g.do(ctx, http.MethodPost, "/bulk-sync", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := g.checkStatus(resp, "bulk upsert"); err != nil {
		return nil, err
	}

	var decoded bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &syncerr.NetworkError{Op: "bulk upsert", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return decoded.Results, nil
}

// fetchResponse is the GET /entities response.
type fetchResponse struct {
	Entities []entity.Entity `json:"entities"`
}

// FetchAll pulls entities for the account, optionally narrowed by the
// filter. Used for the incremental pull at session start and for
// re-fetching a single entity after a payload-less conflict.
func (g *Gateway) FetchAll(ctx context.Context, filter FetchFilter) ([]entity.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, g.bulkTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("userId", g.userID)
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.RemoteID != "" {
		q.Set("id", filter.RemoteID)
	}

	resp, err := g.do(ctx, http.MethodGet, "/entities?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := g.checkStatus(resp, "fetch all"); err != nil {
		return nil, err
	}

	var decoded fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &syncerr.NetworkError{Op: "fetch all", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return decoded.Entities, nil
}

// Delete propagates a deletion to the server. With soft=true the server
// keeps its own tombstone; with soft=false the record is removed.
// Deleting an entity the server no longer has is treated as success.
func (g *Gateway) Delete(ctx context.Context, remoteID string, soft bool) error {
	ctx, cancel := context.WithTimeout(ctx, g.bulkTimeout)
	defer cancel()

	path := fmt.Sprintf("/entities/%s?soft=%t", url.PathEscape(remoteID), soft)
	resp, err := g.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return g.checkStatus(resp, "delete")
}

// HealthCheck probes the service with a short timeout. A nil return means
// the service is reachable.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.healthTimeout)
	defer cancel()

	resp, err := g.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return g.checkStatus(resp, "health check")
}

// refreshRequest is the POST /auth/refresh body.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refreshResponse is the POST /auth/refresh response.
type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// Refresh exchanges the refresh token for a new access token and notifies
// rotation subscribers. Returns an AuthError if no refresh token is held
// or the refresh endpoint rejects it.
func (g *Gateway) Refresh(ctx context.Context) error {
	g.mu.Lock()
	refreshToken := g.refreshToken
	g.mu.Unlock()

	if refreshToken == "" {
		return &syncerr.AuthError{Op: "refresh", Err: errors.New("no refresh token held")}
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return &syncerr.NetworkError{Op: "refresh", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &syncerr.AuthError{Op: "refresh", Status: resp.StatusCode}
	}

	var decoded refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return &syncerr.AuthError{Op: "refresh", Err: fmt.Errorf("failed to decode refresh response: %w", err)}
	}
	if decoded.AccessToken == "" {
		return &syncerr.AuthError{Op: "refresh", Err: errors.New("refresh response carried no access token")}
	}

	g.mu.Lock()
	g.accessToken = decoded.AccessToken
	callbacks := append([]func(string){}, g.rotated...)
	g.mu.Unlock()

	g.logger.Printf("Access token refreshed")
	for _, fn := range callbacks {
		fn(decoded.AccessToken)
	}

	return nil
}

// do issues an authenticated request, refreshing the access token once on
// a 401 and retrying the original request exactly once. A second 401
// surfaces as an AuthError; there is no loop.
func (g *Gateway) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	// Proactively refresh a token that is about to expire so the common
	// path avoids a guaranteed 401 round trip.
	if g.tokenExpiringSoon() {
		if err := g.Refresh(ctx); err != nil {
			g.logger.Printf("Proactive token refresh failed: %v", err)
		}
	}

	resp, err := g.send(ctx, method, path, payload)
	if err != nil {
		return nil, &syncerr.NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	if err := g.Refresh(ctx); err != nil {
		return nil, err
	}

	resp, err = g.send(ctx, method, path, payload)
	if err != nil {
		return nil, &syncerr.NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, &syncerr.AuthError{Op: method + " " + path, Status: http.StatusUnauthorized}
	}

	return resp, nil
}

// send issues a single request with the current bearer token.
func (g *Gateway) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := g.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return g.client.Do(req)
}

// conflictBody is the structured 409 response.
type conflictBody struct {
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	LocalVersion  int64           `json:"clientVersion"`
	ServerVersion int64           `json:"serverVersion"`
	ServerData    json.RawMessage `json:"serverData,omitempty"`
	Detail        string          `json:"detail,omitempty"`
}

// checkStatus maps non-2xx responses to the engine's error taxonomy.
func (g *Gateway) checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusConflict:
		var body conflictBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			// Plain-text detail; the caller treats the missing snapshot
			// as remote-wins-and-refetch.
			return &syncerr.ConflictError{}
		}
		return &syncerr.ConflictError{
			EntityType:    body.EntityType,
			EntityID:      body.EntityID,
			LocalVersion:  body.LocalVersion,
			ServerVersion: body.ServerVersion,
			ServerData:    body.ServerData,
		}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &syncerr.ValidationError{Op: op, Detail: strings.TrimSpace(string(detail))}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &syncerr.AuthError{Op: op, Status: resp.StatusCode}

	default:
		// 5xx and anything unexpected is treated as transient.
		return &syncerr.NetworkError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

// tokenExpiringSoon reports whether the access token is a JWT that expires
// within 30 seconds. Opaque tokens always return false.
func (g *Gateway) tokenExpiringSoon() bool {
	token := g.AccessToken()
	if token == "" {
		return false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return time.Until(exp.Time) < 30*time.Second
}
