package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	tenantHeader      = "Xero-Tenant-Id"
	idempotencyHeader = "Idempotency-Key"
	maxBackoff    = 5 * time.Second
	maxErrorBytes = 4 << 10
)

// Client performs JSON requests against the provider API on behalf of one
// user. It is cheap; obtain a fresh one per operation from Adapter.GetClient.
type Client struct {
	adapter *Adapter
	userID  string
	cred    credentials.Credential
	limiter *rate.Limiter
}

// Tenant reports the provider organisation the credential is bound to.
func (c *Client) Tenant() (id, name string) { return c.cred.TenantID, c.cred.TenantName }

func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, out)
}

// attemptError carries the provider's retry hint alongside the classified
// error. unapplied is set when the provider cannot have acted on the
// request: it was throttled or never reached the provider.
type attemptError struct {
	err        *apierr.Error
	retryAfter time.Duration
	unapplied  bool
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	a := c.adapter
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apierr.Internal(fmt.Errorf("encode request: %w", err))
		}
		payload = b
	}

	// Writes carry one key across every attempt so the provider can
	// deduplicate a replay.
	var idemKey string
	if !idempotent(method) {
		idemKey = uuid.NewString()
	}

	log := a.log.With(slog.String("method", method), slog.String("path", path))
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return apierr.Retryable("request rate limit wait abandoned", err)
		}
		_, err := a.breaker.Execute(func() (any, error) {
			return nil, c.attempt(ctx, method, path, query, idemKey, payload, out)
		})
		if err == nil {
			a.metrics.ObserveUpstreamRequest(method, "ok")
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			a.metrics.ObserveUpstreamRequest(method, "breaker_open")
			return apierr.Retryable(fmt.Sprintf("%s is temporarily unavailable", a.cfg.Provider), err)
		}

		classified := apierr.As(err)
		a.metrics.ObserveUpstreamRequest(method, string(classified.Kind))
		var ae *attemptError
		unapplied := errors.As(err, &ae) && ae.unapplied
		if classified.Retryable() && !idempotent(method) && !unapplied {
			// The provider may have committed the write before failing.
			log.WarnContext(ctx, "upstream.request.outcome_unknown", slog.Int("attempts", attempt+1), slog.String("err", err.Error()))
			classified.Action = "check whether the change was applied before trying again"
			return classified
		}
		if !classified.Retryable() || attempt >= a.cfg.MaxRetries {
			if classified.Retryable() {
				log.WarnContext(ctx, "upstream.request.exhausted", slog.Int("attempts", attempt+1), slog.String("err", err.Error()))
			}
			return classified
		}

		delay := a.backoff << attempt
		if ae != nil && ae.retryAfter > 0 {
			delay = ae.retryAfter
		}
		if delay > maxBackoff {
			delay = maxBackoff
		}
		log.DebugContext(ctx, "upstream.request.retry", slog.Int("attempt", attempt+1), slog.Duration("delay", delay), slog.String("err", err.Error()))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return apierr.Retryable("request abandoned during retry", ctx.Err())
		case <-t.C:
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, idemKey string, payload []byte, out any) error {
	a := c.adapter
	actx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	u := strings.TrimRight(a.cfg.APIURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, u, body)
	if err != nil {
		return apierr.Internal(fmt.Errorf("build request: %w", err))
	}
	tokenType := c.cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+c.cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cred.TenantID != "" {
		req.Header.Set(tenantHeader, c.cred.TenantID)
	}
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}

	res, err := a.http.Do(req)
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return &attemptError{err: apierr.Retryable(fmt.Sprintf("%s did not respond in time", a.cfg.Provider), err)}
		}
		if ctx.Err() != nil {
			return apierr.Retryable("request cancelled", ctx.Err())
		}
		return &attemptError{err: apierr.Retryable(fmt.Sprintf("%s is unreachable", a.cfg.Provider), err), unapplied: isDialError(err)}
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil || res.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, res.Body)
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return apierr.Internal(fmt.Errorf("decode %s response: %w", a.cfg.Provider, err))
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBytes))
	cause := fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(detail)))
	switch {
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return apierr.Reconnect(a.cfg.Provider, cause)
	case res.StatusCode == http.StatusNotFound:
		return &apierr.Error{Kind: apierr.KindNotFound, Message: fmt.Sprintf("%s has no resource at %s", a.cfg.Provider, path), Err: cause}
	case res.StatusCode == http.StatusTooManyRequests:
		return &attemptError{
			err:        apierr.Retryable(fmt.Sprintf("%s rate limit reached", a.cfg.Provider), cause),
			retryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
			unapplied:  true,
		}
	case res.StatusCode >= 500:
		return &attemptError{err: apierr.Retryable(fmt.Sprintf("%s returned a server error", a.cfg.Provider), cause)}
	default:
		return &apierr.Error{Kind: apierr.KindValidation, Message: fmt.Sprintf("%s rejected the request", a.cfg.Provider), Action: "check the arguments against the provider's rules", Err: cause}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// idempotent reports whether replaying method cannot duplicate its effect.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// isDialError reports a failure to open the connection, before any byte of
// the request was sent.
func isDialError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
