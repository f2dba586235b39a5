// Package agent is the worker side of the scheduler: it registers the host,
// keeps it alive, receives due jobs over pull or push and reports how each
// execution went.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"cronmesh/internal/models"
	"cronmesh/internal/services/monitor"
	"cronmesh/internal/services/store"
)

var (
	ErrServerUnavailable = errors.New("server unavailable")
	ErrUnauthorized      = errors.New("unauthorized")
	// ErrClaimRejected means another execution holds the job or the fire
	// time was already handed out.
	ErrClaimRejected = errors.New("claim rejected")
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to the scheduler REST API with fiber's HTTP client.
type Client struct {
	BaseURL string
	Timeout time.Duration

	http *fiber.Client

	mu       sync.RWMutex
	token    string
	username string
	password string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		http: &fiber.Client{
			UserAgent:   "cronmesh-agent",
			JSONEncoder: json.Marshal,
			JSONDecoder: json.Unmarshal,
		},
	}
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a token. The credentials are kept so an
// expired token can be renewed transparently.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := fiber.Map{"username": username, "password": password}
	if err := c.send(ctx, fiber.MethodPost, "/api/auth/login", body, &resp, false); err != nil {
		return err
	}
	if resp.Token == "" {
		return fmt.Errorf("login: empty token")
	}

	c.mu.Lock()
	c.token = resp.Token
	c.username = username
	c.password = password
	c.mu.Unlock()
	return nil
}

// RegisterAgent registers this host, or finds its existing record.
func (c *Client) RegisterAgent(ctx context.Context, id monitor.Identity) (*models.Agent, error) {
	var agent models.Agent
	body := fiber.Map{"hostname": id.Hostname, "ip": id.IP}
	if err := c.do(ctx, fiber.MethodPost, "/api/agents", body, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *Client) Heartbeat(ctx context.Context, agentID uint) error {
	return c.do(ctx, fiber.MethodPost, "/api/agents/heartbeat", fiber.Map{"agentId": agentID}, nil)
}

// FetchDue returns the jobs currently due for agentID.
func (c *Client) FetchDue(ctx context.Context, agentID uint) ([]models.DispatchedJob, error) {
	var jobs []models.DispatchedJob
	if err := c.do(ctx, fiber.MethodGet, fmt.Sprintf("/api/agents/%d/due", agentID), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimJob moves a due job to running for agentID.
func (c *Client) ClaimJob(ctx context.Context, jobID, agentID uint, expectedAt time.Time) (models.DispatchedJob, error) {
	var job models.DispatchedJob
	body := fiber.Map{"agentId": agentID, "expectedAt": expectedAt}
	err := c.do(ctx, fiber.MethodPost, fmt.Sprintf("/api/jobs/%d/start", jobID), body, &job)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case fiber.StatusConflict:
			return job, fmt.Errorf("%w: %s", ErrClaimRejected, apiErr.Message)
		case fiber.StatusNotFound:
			return job, store.ErrJobNotFound
		}
	}
	return job, err
}

// UpdateJobStatus reports a state transition. A deleted job answers
// store.ErrJobNotFound.
func (c *Client) UpdateJobStatus(ctx context.Context, id uint, upd models.StatusUpdate) error {
	err := c.do(ctx, fiber.MethodPatch, fmt.Sprintf("/api/jobs/%d", id), upd, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == fiber.StatusNotFound {
		return store.ErrJobNotFound
	}
	return err
}

// do sends an authenticated request, logging in again once if the token
// was rejected.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	err := c.send(ctx, method, path, body, out, true)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.mu.RLock()
	username, password := c.username, c.password
	c.mu.RUnlock()
	if username == "" {
		return err
	}
	if lerr := c.Login(ctx, username, password); lerr != nil {
		return lerr
	}
	return c.send(ctx, method, path, body, out, true)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any, auth bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a := c.agent(method, c.BaseURL+path)
	a.Timeout(c.timeout(ctx))
	a.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if auth {
		if token := c.Token(); token != "" {
			a.Set(fiber.HeaderAuthorization, "Bearer "+token)
		}
	}
	if body != nil {
		a.JSON(body)
	}

	code, data, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s %s: %v", ErrServerUnavailable, method, path, errors.Join(errs...))
	}

	switch {
	case code == fiber.StatusUnauthorized:
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	case code >= fiber.StatusInternalServerError:
		return fmt.Errorf("%w: %s %s: %w", ErrServerUnavailable, method, path, apiError(code, data))
	case code < 200 || code > 299:
		return apiError(code, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) agent(method, url string) *fiber.Agent {
	switch method {
	case fiber.MethodGet:
		return c.http.Get(url)
	case fiber.MethodPatch:
		return c.http.Patch(url)
	case fiber.MethodDelete:
		return c.http.Delete(url)
	default:
		return c.http.Post(url)
	}
}

// timeout honours the context deadline when it is sooner than Timeout.
func (c *Client) timeout(ctx context.Context) time.Duration {
	d := c.Timeout
	if d <= 0 {
		d = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	return d
}

func apiError(code int, data []byte) *APIError {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: code, Message: msg}
}
