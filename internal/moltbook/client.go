// Package moltbook talks to the Moltbook API to identify the agent behind an
// API key.
package moltbook

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"moltjobs/internal/domain"
	"moltjobs/internal/logging"
)

const (
	DefaultBaseURL = "https://www.moltbook.com/api/v1"
	DefaultTimeout = 10 * time.Second

	// maxBody caps how much of a profile response is read.
	maxBody = 1 << 20
)

// Client calls the Moltbook "who am I" endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        logging.Logger
}

type Option func(*Client)

// WithHTTPClient uses a copy of hc, so later options never touch the
// caller's client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			cp := *hc
			c.httpClient = &cp
		}
	}
}

// WithTimeout sets the per-request timeout. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Client targeting baseURL, or DefaultBaseURL when empty.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// meResponse mirrors GET /agents/me. Every field is optional so defaults can
// be applied after decoding.
type meResponse struct {
	Name          *string    `json:"name"`
	Description   *string    `json:"description"`
	Karma         *float64   `json:"karma"`
	FollowerCount *float64   `json:"follower_count"`
	IsClaimed     *bool      `json:"is_claimed"`
	IsActive      *bool      `json:"is_active"`
	CreatedAt     *string    `json:"created_at"`
	Owner         *ownerBody `json:"owner"`
}

type ownerBody struct {
	XHandle *string `json:"x_handle"`
	XName   *string `json:"x_name"`
	XAvatar *string `json:"x_avatar"`
	XBio    *string `json:"x_bio"`
}

// Me returns the profile of the agent owning apiKey. Any failure, including a
// rejected key, an unreachable API or an unreadable body, reports false.
func (c *Client) Me(ctx context.Context, apiKey string) (domain.AgentProfile, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/me", nil)
	if err != nil {
		c.log.Warn(ctx, "moltbook request build failed", "error", err)
		return domain.AgentProfile{}, false
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn(ctx, "moltbook unreachable", "error", redact(err.Error(), apiKey))
		return domain.AgentProfile{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		c.log.Warn(ctx, "moltbook rejected key", "status", resp.StatusCode)
		return domain.AgentProfile{}, false
	}

	var body meResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		c.log.Warn(ctx, "moltbook response unreadable", "status", resp.StatusCode, "error", err)
		return domain.AgentProfile{}, false
	}
	profile, ok := normalize(body)
	if !ok {
		c.log.Warn(ctx, "moltbook profile missing name", "status", resp.StatusCode)
	}
	return profile, ok
}

func normalize(b meResponse) (domain.AgentProfile, bool) {
	if b.Name == nil || strings.TrimSpace(*b.Name) == "" {
		return domain.AgentProfile{}, false
	}
	p := domain.AgentProfile{
		Name:        *b.Name,
		Description: b.Description,
		IsActive:    true,
		CreatedAt:   b.CreatedAt,
	}
	if b.Karma != nil {
		p.Karma = clampInt(*b.Karma)
	}
	if b.FollowerCount != nil {
		p.FollowerCount = clampInt(*b.FollowerCount)
	}
	if b.IsClaimed != nil {
		p.IsClaimed = *b.IsClaimed
	}
	if b.IsActive != nil {
		p.IsActive = *b.IsActive
	}
	if b.Owner != nil {
		p.Owner = &domain.AgentOwner{
			XHandle: b.Owner.XHandle,
			XName:   b.Owner.XName,
			XAvatar: b.Owner.XAvatar,
			XBio:    b.Owner.XBio,
		}
	}
	return p, true
}

// clampInt truncates f into the range of a 32-bit INTEGER column. NaN is 0.
func clampInt(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

func redact(msg, secret string) string {
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, "[redacted]")
}
