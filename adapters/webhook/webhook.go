// Package webhook implements a generic HTTP destination: the merged part is
// serialized as JSON and POSTed to a configured endpoint. It doubles as the
// reference adapter for the destination contract.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"postflow/internal/adapter"
	"postflow/internal/cancel"
	"postflow/internal/orchestrator"
	"postflow/internal/submission"
)

type Options struct {
	URL           string `json:"url"`
	AuthToken     string `json:"auth_token,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	MaxTags       int    `json:"max_tags,omitempty"`
}

type Adapter struct {
	mu   sync.RWMutex
	opts Options

	// post carries no HTTP-level retries: the orchestrator owns the retry
	// policy. check may retry, login probes are idempotent.
	post  *retryablehttp.Client
	check *retryablehttp.Client
}

func New() *Adapter {
	post := retryablehttp.NewClient()
	post.RetryMax = 0
	post.Logger = nil
	post.HTTPClient.Timeout = 30 * time.Second

	check := retryablehttp.NewClient()
	check.RetryMax = 2
	check.Logger = nil
	check.HTTPClient.Timeout = 10 * time.Second

	return &Adapter{post: post, check: check}
}

func (a *Adapter) ID() string { return "webhook" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return adapter.Capabilities{
		AcceptsAdditionalFiles: true,
		AcceptsSourceURLs:      true,
		MaxTags:                a.opts.MaxTags,
		RatePerMinute:          a.opts.RatePerMinute,
	}
}

func (a *Adapter) Configure(raw json.RawMessage) error {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return fmt.Errorf("webhook config: %w", err)
		}
	}
	if u := strings.TrimSpace(opts.URL); u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("webhook config: invalid url: %w", err)
		}
	}
	a.mu.Lock()
	a.opts = opts
	a.mu.Unlock()
	return nil
}

func (a *Adapter) options() Options {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.opts
}

func (a *Adapter) CheckLoginStatus(ctx context.Context) (adapter.LoginStatus, error) {
	opts := a.options()
	if opts.URL == "" {
		return adapter.LoginStatus{}, nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return adapter.LoginStatus{}, err
	}
	if opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AuthToken)
	}
	resp, err := a.check.Do(req)
	if err != nil {
		return adapter.LoginStatus{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.LoginStatus{}, nil
	}
	u, _ := url.Parse(opts.URL)
	name := ""
	if u != nil {
		name = u.Host
	}
	return adapter.LoginStatus{LoggedIn: true, Username: name}, nil
}

func (a *Adapter) Validate(sub *submission.Submission, merged, def *submission.Part) adapter.ValidationResult {
	var res adapter.ValidationResult
	opts := a.options()
	if strings.TrimSpace(opts.URL) == "" {
		res.Problem("webhook url is not configured")
	}
	if len(merged.Description) > 64*1024 {
		res.Problem("description exceeds 64KiB payload limit")
	}
	if len(merged.Title) > 255 {
		res.Warning("title longer than 255 characters will be truncated by most receivers")
	}
	return res
}

type payload struct {
	SubmissionID string            `json:"submission_id"`
	PartID       string            `json:"part_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Rating       string            `json:"rating,omitempty"`
	ContentPath  string            `json:"content_path,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
}

func (a *Adapter) Post(ctx context.Context, tok *cancel.Token, data adapter.PostData) (adapter.Receipt, error) {
	opts := a.options()
	if opts.URL == "" {
		return adapter.Receipt{}, orchestrator.NoRetry(fmt.Errorf("webhook url is not configured"))
	}
	if tok.Cancelled() {
		return adapter.Receipt{}, cancel.ErrCancelled
	}

	body, err := json.Marshal(payload{
		SubmissionID: data.SubmissionID,
		PartID:       data.PartID,
		Title:        data.Title,
		Description:  data.Description,
		Tags:         data.Tags,
		Rating:       data.Rating,
		ContentPath:  data.ContentPath,
		Options:      data.Options,
	})
	if err != nil {
		return adapter.Receipt{}, orchestrator.NoRetry(err)
	}

	// Last token check before the network round-trip.
	if tok.Cancelled() {
		return adapter.Receipt{}, cancel.ErrCancelled
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, opts.URL, body)
	if err != nil {
		return adapter.Receipt{}, orchestrator.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	resp, err := a.post.Do(req)
	if err != nil {
		if tok.Cancelled() {
			return adapter.Receipt{}, cancel.ErrCancelled
		}
		return adapter.Receipt{}, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return adapter.Receipt{
			PostedTo: postedID(resp, raw, opts.URL),
			Response: strings.TrimSpace(string(raw)),
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Explicit rejection; an identical second attempt cannot succeed.
		return adapter.Receipt{}, orchestrator.NoRetry(fmt.Errorf("webhook rejected: %s: %s", resp.Status, trim(raw, 200)))
	default:
		return adapter.Receipt{}, fmt.Errorf("webhook error: %s: %s", resp.Status, trim(raw, 200))
	}
}

// postedID extracts the destination-assigned identifier: Location header
// first, then an "id" field in a JSON body, then the endpoint URL itself.
func postedID(resp *http.Response, raw []byte, fallback string) string {
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.ID != "" {
		return body.ID
	}
	return fallback
}

func trim(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
