// Package httpsink delivers record batches to an HTTP ingest API.
package httpsink

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/errs"
	"github.com/courierhq/courier/record"
	"github.com/courierhq/courier/sink"
)

const ingestPathPrefix = "/v1/ingest/"

// encoder is shared across requests; zstd.Encoder is safe for concurrent use.
var encoder *zstd.Encoder

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("httpsink: zstd encoder initialization failed: " + err.Error())
	}
}

// Sink posts record batches to {baseURL}/v1/ingest/{destination}.
type Sink struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	limiter     *rate.Limiter
	minCompress int
	now         func() time.Time
}

var _ sink.Sink = (*Sink)(nil)

type ingestRequest struct {
	Records []record.Record `json:"records"`
	SentAt  time.Time       `json:"sent_at"`
}

type ingestError struct {
	Error string `json:"error"`
}

// New builds a sink for the configured ingest endpoint.
func New(cfg config.HTTPSinkConfig) (*Sink, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errs.New("httpsink.new", errs.CodeInvalid, errs.WithMessage("base url required"))
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errs.New("httpsink.new", errs.CodeInvalid, errs.WithMessage("invalid base url"), errs.WithCause(err))
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	minCompress := cfg.CompressMinBytes
	if minCompress <= 0 {
		minCompress = 1024
	}

	s := new(Sink)
	s.baseURL = base
	s.apiKey = strings.TrimSpace(cfg.APIKey)
	s.client = &http.Client{Timeout: timeout}
	s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	s.minCompress = minCompress
	s.now = time.Now
	return s, nil
}

// Insert posts one batch. Responses map onto the retry taxonomy: 429 is
// rate-limited with any Retry-After hint attached, 5xx and 408 are
// retryable, remaining 4xx are permanent.
func (s *Sink) Insert(ctx context.Context, destination string, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errs.New("httpsink.insert", errs.CodeNetwork,
			errs.WithDestination(destination), errs.WithMessage("rate limiter wait"), errs.WithCause(err))
	}

	body, err := json.Marshal(ingestRequest{Records: records, SentAt: s.now().UTC()})
	if err != nil {
		return errs.New("httpsink.insert", errs.CodePermanent,
			errs.WithDestination(destination), errs.WithMessage("encode batch"), errs.WithCause(err))
	}

	payload := body
	compressed := false
	if len(body) >= s.minCompress {
		// Skip compression when it does not actually shrink the body.
		if candidate := encoder.EncodeAll(body, nil); len(candidate) < len(body) {
			payload = candidate
			compressed = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+ingestPathPrefix+url.PathEscape(destination), bytes.NewReader(payload))
	if err != nil {
		return errs.New("httpsink.insert", errs.CodePermanent,
			errs.WithDestination(destination), errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "zstd")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New("httpsink.insert", errs.CodeNetwork,
			errs.WithDestination(destination), errs.WithMessage("post batch"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil
	}
	return s.statusError(destination, resp)
}

// Close releases idle connections.
func (s *Sink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Sink) statusError(destination string, resp *http.Response) error {
	opts := []errs.Option{errs.WithDestination(destination), errs.WithHTTP(resp.StatusCode)}
	if message := readErrorMessage(resp.Body); message != "" {
		opts = append(opts, errs.WithMessage(message))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if hint, ok := parseRetryAfter(resp.Header.Get("Retry-After"), s.now()); ok {
			opts = append(opts, errs.WithRetryAfter(hint))
		}
		return errs.New("httpsink.insert", errs.CodeRateLimited, opts...)
	case resp.StatusCode == http.StatusRequestTimeout:
		return errs.New("httpsink.insert", errs.CodeNetwork, opts...)
	case resp.StatusCode >= 500:
		return errs.New("httpsink.insert", errs.CodeUnavailable, opts...)
	default:
		return errs.New("httpsink.insert", errs.CodeInvalid, opts...)
	}
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload ingestError
	if err := json.Unmarshal(raw, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return strings.TrimSpace(payload.Error)
	}
	return strings.TrimSpace(string(raw))
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}
