// Package exportapi implements the paginated, rate-limit-aware client for the
// assistant record-export API. Pages are delivered lazily through PageIter;
// restartability across processes comes from the checkpoint store's cursor,
// not from the iterator itself.
package exportapi

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldworks/assistsync/internal/backoff"
	"github.com/fieldworks/assistsync/internal/entity"
	"github.com/fieldworks/assistsync/internal/progress"
)

// Config controls client behavior.
type Config struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PageRPS        float64
}

// Client talks to the record-export API. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	backoff backoff.Policy
	logger  *zap.Logger
	hub     *progress.Hub
}

// Window bounds one fetch by the records' last-updated time, inclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// Filter renders the window as the API's time filter expression.
func (w Window) Filter() string {
	const stamp = "2006-01-02T15:04:05.000Z"
	return fmt.Sprintf("last_updated_time ge '%s' and last_updated_time le '%s'",
		w.Start.UTC().Format(stamp), w.End.UTC().Format(stamp))
}

// Page is one unit of pagination: the raw records plus the opaque cursor for
// the next page, empty when the page set is complete.
type Page struct {
	Records    []entity.RawRecord
	NextCursor string
}

// New builds a Client. The hub may be nil to disable telemetry.
func New(cfg Config, logger *zap.Logger, hub *progress.Hub) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Limit(cfg.PageRPS)
	if cfg.PageRPS <= 0 {
		limit = rate.Inf
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		backoff: backoff.New(cfg.BackoffInitial, cfg.BackoffMax),
		logger:  logger,
		hub:     hub,
	}
}

// Pages starts a lazy page sequence for one entity and window. A non-empty
// cursor resumes a previously interrupted page set.
func (c *Client) Pages(entityName string, window Window, cursor string) *PageIter {
	return &PageIter{
		client: c,
		entity: entityName,
		window: window,
		cursor: cursor,
		first:  cursor == "",
	}
}

// PageIter iterates pages in the bufio.Scanner style:
//
//	it := client.Pages("users", window, "")
//	for it.Next(ctx) {
//	    page := it.Page()
//	}
//	if err := it.Err(); err != nil { ... }
type PageIter struct {
	client *Client
	entity string
	window Window
	cursor string
	first  bool

	page       Page
	cumulative int
	done       bool
	err        error
}

// Next fetches the next page, returning false when the sequence is finished
// or a fetch failed terminally. Retries and backoff happen inside.
func (it *PageIter) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if !it.first && it.cursor == "" {
		it.done = true
		return false
	}

	page, err := it.client.fetchPage(ctx, it.entity, it.window, it.cursor)
	if err != nil {
		it.err = err
		return false
	}
	it.first = false
	it.cursor = page.NextCursor
	it.page = page
	it.cumulative += len(page.Records)

	it.client.hub.Emit(progress.Event{
		Stage:      progress.StagePageFetched,
		Entity:     it.entity,
		Records:    len(page.Records),
		Cumulative: it.cumulative,
	})

	if len(page.Records) == 0 && page.NextCursor == "" {
		it.done = true
		return false
	}
	return true
}

// Page returns the most recently fetched page.
func (it *PageIter) Page() Page {
	return it.page
}

// Cursor exposes the cursor for the page after the current one, for
// checkpointing mid-sequence.
func (it *PageIter) Cursor() string {
	return it.cursor
}

// Err reports the terminal error, if any.
func (it *PageIter) Err() error {
	return it.err
}

func (c *Client) fetchPage(ctx context.Context, entityName string, window Window, cursor string) (Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, fmt.Errorf("page pacing wait: %w", err)
	}

	target, err := c.pageURL(entityName, window, cursor)
	if err != nil {
		return Page{}, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		page, err := c.doRequest(ctx, target)
		if err == nil {
			return page, nil
		}

		switch e := err.(type) {
		case *AuthError, *RequestError:
			return Page{}, err
		case *RateLimitError:
			lastErr = err
			if attempt >= c.cfg.MaxRetries {
				return Page{}, &RetryExhaustedError{Entity: entityName, Attempts: attempt + 1, Last: lastErr}
			}
			wait := e.RetryAfter
			if wait <= 0 {
				wait = c.backoff.Delay(attempt)
			}
			c.logger.Warn("rate limited, backing off",
				zap.String("entity", entityName),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt+1),
			)
			if err := backoff.Sleep(ctx, wait); err != nil {
				return Page{}, err
			}
		case *TransientError:
			lastErr = err
			if attempt >= c.cfg.MaxRetries {
				return Page{}, &RetryExhaustedError{Entity: entityName, Attempts: attempt + 1, Last: lastErr}
			}
			wait := c.backoff.Delay(attempt)
			c.logger.Warn("transient fetch failure, retrying",
				zap.String("entity", entityName),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if err := backoff.Sleep(ctx, wait); err != nil {
				return Page{}, err
			}
		default:
			return Page{}, err
		}
	}
}

func (c *Client) pageURL(entityName string, window Window, cursor string) (string, error) {
	if cursor != "" {
		return cursor, nil
	}
	base, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/" + entityName)
	if err != nil {
		return "", fmt.Errorf("parse export api url: %w", err)
	}
	q := base.Query()
	q.Set("$orderby", "id desc")
	q.Set("$filter", window.Filter())
	base.RawQuery = q.Encode()
	return base.String(), nil
}

type pageEnvelope struct {
	Value    []entity.RawRecord `json:"value"`
	NextLink string             `json:"@odata.nextLink"`
}

func (c *Client) doRequest(ctx context.Context, target string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build export api request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, fmt.Errorf("export api request: %w", ctx.Err())
		}
		return Page{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var envelope pageEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return Page{}, &RequestError{StatusCode: resp.StatusCode, Detail: fmt.Sprintf("decode page: %v", err)}
		}
		return Page{Records: envelope.Value, NextCursor: envelope.NextLink}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Page{}, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Page{}, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return Page{}, &TransientError{StatusCode: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, &RequestError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
	}
}

// retryAfter reads the server's Retry-After hint, which arrives either as a
// delay in whole seconds or as an HTTP-date.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
