// Package httpjob provides a job body that performs one HTTP request.
package httpjob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/job"
	"jobsched/internal/task/retry"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyPrefix  = 4 << 10
)

// Spec describes the request a job performs on every run.
type Spec struct {
	URL     string            `json:"url" yaml:"url" toml:"url"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty" toml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty" toml:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	// ExpectStatus lists accepted status codes. Empty accepts any 2xx or 3xx.
	ExpectStatus []int `json:"expect_status,omitempty" yaml:"expect_status,omitempty" toml:"expect_status,omitempty"`
}

// Result is recorded as the run result.
type Result struct {
	StatusCode int           `json:"status_code"`
	Body       string        `json:"body,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return errors.New("http job: url is required")
	}
	if _, err := http.NewRequest(s.method(), s.URL, nil); err != nil {
		return errors.Wrap(err, "http job")
	}
	return nil
}

func (s Spec) method() string {
	m := strings.ToUpper(strings.TrimSpace(s.Method))
	if m == "" {
		return http.MethodGet
	}
	return m
}

func (s Spec) accepts(code int) bool {
	if len(s.ExpectStatus) > 0 {
		return slices.Contains(s.ExpectStatus, code)
	}
	return code >= 200 && code < 400
}

// Func returns a job body performing spec with client (http.DefaultClient
// when nil). The job context bounds the request in addition to spec.Timeout.
func Func(spec Spec, client *http.Client) job.Func {
	if client == nil {
		client = http.DefaultClient
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(ctx context.Context, ec job.ExecutionContext) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var body io.Reader
		if spec.Body != "" {
			body = strings.NewReader(spec.Body)
		}
		req, err := http.NewRequestWithContext(ctx, spec.method(), spec.URL, body)
		if err != nil {
			return nil, retry.NoRetry(errors.Wrap(err, "build request"))
		}
		for k, v := range spec.Headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("X-Job-Code", ec.JobCode)
		req.Header.Set("X-Run-Id", ec.RunID)

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "http request failed")
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyPrefix+1))
		if err != nil {
			return nil, errors.Wrap(err, "read response body")
		}
		res := Result{StatusCode: resp.StatusCode, Body: prefix(raw), Duration: time.Since(start)}
		if spec.accepts(resp.StatusCode) {
			return res, nil
		}
		return nil, statusError(resp, res.Body)
	}
}

func statusError(resp *http.Response, body string) error {
	err := errors.Newf("HTTP %d: %s", resp.StatusCode, body)
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return retry.RetryAfter(err, d)
		}
		return err
	case code == http.StatusRequestTimeout:
		return err
	case code >= 400 && code < 500:
		return retry.NoRetry(err)
	default:
		return err
	}
}

// retryAfter parses a Retry-After header: delay-seconds or an HTTP date.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			n = 0
		}
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func prefix(raw []byte) string {
	if len(raw) > maxBodyPrefix {
		raw = raw[:maxBodyPrefix]
	}
	return string(bytes.ToValidUTF8(raw, []byte("?")))
}
