package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// renderFailureMarker appears in pages the remote app failed to render.
const renderFailureMarker = "Something went wrong"

// transport performs paced, quota-aware GETs and maps failures to classes.
type transport struct {
	name    string
	client  *resty.Client
	baseURL string
	limiter *rate.Limiter
	tracker *ratelimit.Tracker
	logger  zerolog.Logger
}

func newTransport(name string, cfg Config, accept string, tracker *ratelimit.Tracker, logger zerolog.Logger) *transport {
	client := resty.New()
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetHeader("Accept", accept)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &transport{
		name:    name,
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limiter: limiter,
		tracker: tracker,
		logger:  logger.With().Str("component", "provider").Str("provider", name).Logger(),
	}
}

// get fetches the resource for id. A non-nil error is always a *retry.Error.
func (t *transport) get(ctx context.Context, id identifier.ID) (*resty.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, retry.NewError(retry.ClassTimeout, "waiting for request slot", err)
		}
	}
	if t.tracker != nil {
		if err := t.tracker.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, retry.NewError(retry.ClassTimeout, "waiting for rate limit reset", err)
			}
			// Redis trouble must not stop the harvest
			t.logger.Warn().Err(err).Msg("Rate limit check failed")
		}
	}

	target := t.baseURL + "/" + url.PathEscape(string(id))
	start := time.Now()
	resp, err := t.client.R().SetContext(ctx).Get(target)
	requestDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())

	if err != nil {
		class := retry.ClassNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			class = retry.ClassTimeout
		}
		requestsTotal.WithLabelValues(t.name, string(class)).Inc()
		return nil, retry.NewError(class, "GET "+target, err)
	}

	requestsTotal.WithLabelValues(t.name, strconv.Itoa(resp.StatusCode())).Inc()

	if t.tracker != nil {
		if err := t.tracker.UpdateFromHeaders(ctx, resp.Header()); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if ferr := classifyResponse(resp.StatusCode(), resp.Status(), resp.Body()); ferr != nil {
		t.logger.Debug().
			Str("identifier", string(id)).
			Int("status", resp.StatusCode()).
			Str("class", string(ferr.Class)).
			Msg("Profile request failed")
		return nil, ferr
	}
	return resp, nil
}

// classifyResponse maps an HTTP outcome to a failure, or nil for a usable body.
func classifyResponse(status int, statusText string, body []byte) *retry.Error {
	var class retry.Class
	switch {
	case status == http.StatusNotFound:
		class = retry.ClassNotFound
	case status == http.StatusForbidden, status == http.StatusGone:
		class = retry.ClassSuspended
	case status == http.StatusTooManyRequests:
		class = retry.ClassRateLimit
	case status >= 500:
		class = retry.ClassServer
	case status >= 400:
		class = retry.ClassMalformed
	case strings.Contains(string(body), renderFailureMarker):
		return &retry.Error{Class: retry.ClassRender, StatusCode: status, Message: "remote app failed to render"}
	default:
		return nil
	}
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	return &retry.Error{Class: class, StatusCode: status, Message: statusText}
}
