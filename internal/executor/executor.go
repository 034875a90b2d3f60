package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"coursebot/internal/catalog"
	logx "coursebot/pkg/logx"
)

// Executor performs one registration attempt for one (course, account)
// pair against the external registration surface.
type Executor interface {
	Attempt(ctx context.Context, course catalog.Course, account catalog.Account) Outcome
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration // per-attempt HTTP budget
	RatePerSec int           // attempts/sec against the surface
}

// Response markers used by the booking surface. The confirmation page
// title and the duplicate-booking notice are stable German strings.
const (
	markerConfirmed     = "Bestätigung"
	markerAlreadyBooked = "Ihre Buchung konnte nicht ausgeführt werden"
	markerFullyBooked   = "ausgebucht"
	markerNotYetOpen    = "noch nicht buchbar"
)

const maxResponseBytes = 1 << 20

// Client speaks to the booking surface over HTTP form submission.
//
// Attempt is check-then-act: it first verifies whether the account already
// holds a booking for the course, and only submits the booking form when
// it does not. This keeps a retry after a transient failure from counting
// a duplicate registration against the surface's rate limits.
type Client struct {
	cfg     Config
	http    *http.Client
	creds   CredentialSource
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, creds CredentialSource, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("executor base_url is empty")
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

func (c *Client) Attempt(ctx context.Context, course catalog.Course, account catalog.Account) Outcome {
	cred, err := c.creds.Resolve(ctx, account.CredentialRef)
	if err != nil {
		return Permanent(fmt.Sprintf("resolve credentials: %v", err))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Transient(fmt.Sprintf("rate limiter: %v", err))
	}

	// Check: is the booking already on file? A retry after a transient
	// failure may run after the earlier submission actually went through.
	booked, err := c.verifyBooked(ctx, course, cred)
	if err != nil {
		// Do not act on an unverified state; the next retry re-checks.
		return Transient(fmt.Sprintf("verify booking: %v", err))
	}
	if booked {
		return Success("already registered (verified before attempt)")
	}

	// Act: exactly one external registration action per Attempt call.
	return c.submitBooking(ctx, course, cred)
}

func (c *Client) verifyBooked(ctx context.Context, course catalog.Course, cred Credentials) (bool, error) {
	u := fmt.Sprintf("%s/konto/buchungen?%s", c.cfg.BaseURL, url.Values{"email": {cred.Email}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("bookings page: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, err
	}
	return strings.Contains(string(body), course.ID), nil
}

func (c *Client) submitBooking(ctx context.Context, course catalog.Course, cred Credentials) Outcome {
	form := url.Values{
		"fernr":    {course.ID},
		"pw_email": {cred.Email},
		"pw_pwd":   {cred.Password},
		"buchen":   {"buchen"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/buchung", strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(fmt.Sprintf("submit booking: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Transient(fmt.Sprintf("read response: %v", err))
	}
	return classify(resp.StatusCode, string(body))
}

// classify maps a booking response to an Outcome. Body markers win over
// status codes: the surface reports most conditions on a 200 page.
func classify(status int, body string) Outcome {
	switch {
	case strings.Contains(body, markerAlreadyBooked):
		return Success("already registered for this course")
	case strings.Contains(body, markerConfirmed):
		return Success("registration confirmed")
	case strings.Contains(body, markerFullyBooked):
		return AlreadyFull("course is fully booked")
	case strings.Contains(body, markerNotYetOpen):
		return WindowNotOpen("registration window not open yet")
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(fmt.Sprintf("HTTP %d", status))
	case status == http.StatusOK:
		// A 200 without any known marker: the surface changed or returned
		// an interstitial. Retrying is safe thanks to the pre-check.
		return Transient("unrecognized booking response")
	default:
		return Permanent(fmt.Sprintf("HTTP %d", status))
	}
}
