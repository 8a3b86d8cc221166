// Package chirp is the client for the Chirp microblog HTTP API: topic
// search for the tracker and status posting for linked users.
package chirp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 15 * time.Second
	searchPageSize = 30
)

// Item is one microblog post matching a search.
type Item struct {
	ID       int64
	From     string
	Text     string
	Language string
}

// SearchResult is one page of matches plus the newest id seen, which the
// caller feeds back as sinceID on the next poll.
type SearchResult struct {
	Items []Item
	MaxID int64
}

// Client talks to the Chirp API. All calls go through a shared rate limiter
// sized to the API request budget.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter

	// OnRateLimit receives the remaining request budget whenever the API
	// reports it. May be nil.
	OnRateLimit func(remaining int)
}

// New creates a client. requestsPerMinute caps the outbound call rate.
func New(baseURL, userAgent string, requestsPerMinute int) *Client {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		limiter:   rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
	}
}

// Search returns posts matching the query newer than sinceID. A sinceID of
// zero asks for the latest page.
func (c *Client) Search(ctx context.Context, query string, sinceID int64) (*SearchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("rpp", strconv.Itoa(searchPageSize))
	if sinceID > 0 {
		q.Set("since_id", strconv.FormatInt(sinceID, 10))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/search.json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	c.reportBudget(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chirp API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var sr struct {
		Results []struct {
			ID              int64  `json:"id"`
			FromUser        string `json:"from_user"`
			Text            string `json:"text"`
			IsoLanguageCode string `json:"iso_language_code"`
		} `json:"results"`
		MaxID int64 `json:"max_id"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	out := &SearchResult{MaxID: sr.MaxID}
	for _, r := range sr.Results {
		out.Items = append(out.Items, Item{
			ID:       r.ID,
			From:     r.FromUser,
			Text:     r.Text,
			Language: r.IsoLanguageCode,
		})
	}
	return out, nil
}

// Post publishes a status update on behalf of a linked user.
func (c *Client) Post(ctx context.Context, token, text string) error {
	if token == "" {
		return fmt.Errorf("no linked Chirp account")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("status", text)

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/statuses/update.json", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post request failed: %w", err)
	}
	defer resp.Body.Close()

	c.reportBudget(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chirp API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return nil
}

func (c *Client) reportBudget(resp *http.Response) {
	if c.OnRateLimit == nil {
		return
	}
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OnRateLimit(n)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
