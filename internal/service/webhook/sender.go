package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header
	Timeout time.Duration
}

type Result struct {
	Outcome    domain.AttemptOutcome
	StatusCode *int
	Body       *string
	Err        error
	Duration   time.Duration
}

type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// HTTPSender performs one outbound call per Send. It never retries.
type HTTPSender struct {
	client *http.Client
	clock  clockwork.Clock
}

func NewHTTPSender(clock clockwork.Clock) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		clock: clock,
	}
}

func (s *HTTPSender) Send(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := s.clock.Now()
	res := s.do(ctx, req)
	res.Duration = s.clock.Since(start)
	return res
}

func (s *HTTPSender) do(ctx context.Context, req Request) Result {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Outcome: domain.AttemptOutcomeError, Err: fmt.Errorf("build request: %w", err)}
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return Result{Outcome: domain.AttemptOutcomeTimeout, Err: err}
		}
		return Result{Outcome: domain.AttemptOutcomeError, Err: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseBodyBytes))
	_, _ = io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	body := sanitizeBody(raw)
	res := Result{StatusCode: &status, Body: &body}
	if readErr != nil && isTimeout(ctx, readErr) {
		res.Outcome = domain.AttemptOutcomeTimeout
		res.Err = readErr
		return res
	}
	if status >= 200 && status < 300 {
		res.Outcome = domain.AttemptOutcomeSuccess
		return res
	}
	res.Outcome = domain.AttemptOutcomeFailure
	res.Err = fmt.Errorf("subscriber responded %d", status)
	return res
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sanitizeBody makes a truncated response body safe to store as text.
func sanitizeBody(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "")
	return strings.ReplaceAll(s, "\x00", "")
}
