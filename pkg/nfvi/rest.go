package nfvi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/vim/pkg/config"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// restClient issues JSON calls against one platform service. Every call
// goes through the same prologue: rate limit, timeout budget, token.
type restClient struct {
	service     string
	serviceType string
	tokens      *TokenCache
	http        *http.Client
	limiter     *rate.Limiter
	timeouts    config.NFVITimeouts
}

func newRESTClient(service, serviceType string, tokens *TokenCache, httpClient *http.Client, timeouts config.NFVITimeouts, limit config.RateCfg) *restClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if limit.QPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(limit.QPS), limit.Burst)
	}
	return &restClient{
		service:     service,
		serviceType: serviceType,
		tokens:      tokens,
		http:        httpClient,
		limiter:     limiter,
		timeouts:    timeouts,
	}
}

// requestFunc performs one attempt against a resolved endpoint
type requestFunc func(ctx context.Context, token *Token, endpoint string) Response

// invoke runs fn behind the common prologue: rate limit, timeout budget,
// token and endpoint resolution. A token-expired result invalidates the
// token and retries once with a fresh one.
func (c *restClient) invoke(ctx context.Context, name string, fn requestFunc) Response {
	timer := metrics.NewTimer()
	resp := c.attempt(ctx, name, fn)
	if resp.ErrorCode == ErrorCodeTokenExpired {
		resp = c.attempt(ctx, name, fn)
	}
	timer.ObserveDurationVec(metrics.NFVIRequestDuration, c.service, name)

	outcome := "success"
	if !resp.Completed {
		outcome = string(resp.ErrorCode)
	}
	metrics.NFVIRequestsTotal.WithLabelValues(c.service, name, outcome).Inc()
	return resp
}

func (c *restClient) attempt(ctx context.Context, name string, fn requestFunc) Response {
	if !c.limiter.Allow() {
		return Failuref(ErrorCodeRetryAfter, "%s rate limited", c.service)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.For(c.service+"."+name))
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Failuref(ErrorCodeAuthFailed, "%s: %v", c.service, err)
	}
	endpoint, err := c.tokens.Endpoint(token, c.serviceType)
	if err != nil {
		return Failure(ErrorCodeTransport, err.Error())
	}

	resp := fn(ctx, token, endpoint)
	if resp.ErrorCode == ErrorCodeTokenExpired {
		c.tokens.Invalidate(token.ID)
		logger := log.WithComponent("nfvi")
		logger.Debug().
			Str("service", c.service).
			Str("call", name).
			Msg("Token rejected, invalidated cache")
	}
	if resp.ErrorCode == ErrorCodeTransport && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Failuref(ErrorCodeTransportTimeout, "%s %s timed out", c.service, name)
	}
	return resp
}

// call performs method on path, decoding a JSON body into out when out is
// non-nil
func (c *restClient) call(ctx context.Context, name, method, path string, body, out any) Response {
	return c.invoke(ctx, name, func(ctx context.Context, token *Token, endpoint string) Response {
		return c.send(ctx, name, token, method, endpoint+path, body, out)
	})
}

func (c *restClient) send(ctx context.Context, name string, token *Token, method, url string, body, out any) Response {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Failuref(ErrorCodeMalformed, "failed to encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Failure(ErrorCodeTransport, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vim/1.0")
	req.Header.Set("X-Request-Id", "req-"+uuid.New().String())
	if token.ID != "" {
		req.Header.Set("X-Auth-Token", token.ID)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Failuref(ErrorCodeTransport, "%s %s: %v", c.service, name, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Failuref(ErrorCodeTransport, "%s %s: %v", c.service, name, err)
	}

	if resp, failed := c.statusFailure(name, httpResp.StatusCode, httpResp.Header.Get("Retry-After"), data); failed {
		return resp
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return Failuref(ErrorCodeMalformed, "%s %s: %v", c.service, name, err)
		}
	}
	return Success(out)
}

// statusFailure maps an HTTP status to a failed response
func (c *restClient) statusFailure(name string, status int, retryAfter string, data []byte) (Response, bool) {
	switch {
	case status == http.StatusUnauthorized:
		return Failure(ErrorCodeTokenExpired, ErrTokenExpired.Error()), true
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable && retryAfter != "":
		return Failuref(ErrorCodeRetryAfter, "%s busy, retry after %s", c.service, retryAfter), true
	case status == http.StatusNotFound:
		return Failuref(ErrorCodeNotFound, "%s %s: not found", c.service, name).WithDetail(string(data)), true
	case status >= 400:
		logger := log.WithComponent("nfvi")
		logger.Warn().
			Str("service", c.service).
			Str("call", name).
			Int("status", status).
			Msg("Request rejected")
		return Failuref(ErrorCodeRejected, "%s %s: %s", c.service, name, rejectionReason(status, data)).
			WithDetail(string(data)), true
	}
	return Response{}, false
}

// rejectionReason pulls a human readable message out of the common error
// body shapes of the platform services
func rejectionReason(status int, data []byte) string {
	var body struct {
		ErrorMessage string `json:"error_message"`
		Error        string `json:"error"`
		Message      string `json:"message"`
		Info         string `json:"info"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		for _, msg := range []string{body.ErrorMessage, body.Error, body.Message, body.Info} {
			if msg != "" {
				// sysinv nests a JSON document inside error_message
				var nested struct {
					Faultstring string `json:"faultstring"`
				}
				if json.Unmarshal([]byte(msg), &nested) == nil && nested.Faultstring != "" {
					return nested.Faultstring
				}
				return msg
			}
		}
	}
	text := strings.TrimSpace(string(data))
	if text == "" || len(text) > 256 {
		return fmt.Sprintf("status %d", status)
	}
	return text
}
