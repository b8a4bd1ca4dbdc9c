// Package client talks to the Synapse HTTP API. It is used by the CLI
// subcommands and by HTTPDestination for client-side uploads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/experiment"
	"github.com/synapse-lab/backend/internal/httputil"
	"github.com/synapse-lab/backend/internal/identity"
	"github.com/synapse-lab/backend/internal/models"
)

// Client is an API client bound to one base URL and, after Login, one
// session token.
type Client struct {
	BaseURL    string // e.g. http://localhost:8090
	Token      string
	HTTP       *http.Client
	MaxRetries int // 0 uses the httputil default, httputil.NoRetries disables
}

// New creates a client for baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Session is the response of login and registration.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      models.User `json:"user"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Login opens a session and stores its token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	body := map[string]string{"email": email, "password": password}
	if err := c.doJSON(ctx, "client.login", http.MethodPost, "/api/auth/login", body, &s); err != nil {
		return nil, err
	}
	c.Token = s.Token
	return &s, nil
}

// Me returns the session and user behind the current token.
func (c *Client) Me(ctx context.Context) (*identity.SessionContext, error) {
	var sc identity.SessionContext
	if err := c.doJSON(ctx, "client.me", http.MethodGet, "/api/auth/me", nil, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Logout ends the current session.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.doJSON(ctx, "client.logout", http.MethodDelete, "/api/auth/session", nil, nil); err != nil {
		return err
	}
	c.Token = ""
	return nil
}

// CreateExperiment submits a new experiment record.
func (c *Client) CreateExperiment(ctx context.Context, in experiment.NewExperiment) (*models.Experiment, error) {
	var exp models.Experiment
	if err := c.doJSON(ctx, "client.create_experiment", http.MethodPost, "/api/experiments", in, &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

// ListExperiments returns the newest page filtered by f.
func (c *Client) ListExperiments(ctx context.Context, f experiment.Filter) ([]models.Experiment, error) {
	params := url.Values{}
	if f.Query != "" {
		params.Set("q", f.Query)
	}
	if f.Type != "" {
		params.Set("type", f.Type)
	}
	path := "/api/experiments"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var list []models.Experiment
	if err := c.doJSON(ctx, "client.list_experiments", http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SearchExperiments matches query against title, description and type.
func (c *Client) SearchExperiments(ctx context.Context, query string) ([]models.Experiment, error) {
	var list []models.Experiment
	path := "/api/experiments/search?" + url.Values{"q": {query}}.Encode()
	if err := c.doJSON(ctx, "client.search_experiments", http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, op, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Internal(op, fmt.Errorf("parsing response: %w", err))
	}
	return nil
}

// do sends one request through the retry helper. Any non-2xx status is
// turned into an apperr error and the body is closed.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("creating request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := httputil.DoWithRetry(ctx, c.HTTP, req, c.MaxRetries)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.Network(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	return nil, statusError(op, resp)
}

// statusError maps an error response onto an apperr kind.
func statusError(op string, resp *http.Response) error {
	var eb errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &eb) != nil || eb.Message == "" {
		eb.Message = strings.TrimSpace(string(data))
		if eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return apperr.Validation(op, eb.Message)
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.Unauthorized(op, eb.Message)
	case resp.StatusCode == http.StatusNotFound:
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Message: eb.Message}
	case resp.StatusCode == http.StatusConflict:
		return apperr.Conflict(op, eb.Message)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Network(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, eb.Message))
	default:
		return apperr.Internal(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, eb.Message))
	}
}
