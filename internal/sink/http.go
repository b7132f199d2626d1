package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/buffer"
	"github.com/vitalis-app/countermon/internal/models"
)

const (
	// maxRetries is the maximum number of retry attempts before buffering locally.
	maxRetries = 3

	// baseRetryDelay is the base delay for exponential backoff between retries.
	baseRetryDelay = 2 * time.Second

	// requestTimeout is the HTTP request timeout for each send attempt.
	requestTimeout = 10 * time.Second
)

// ErrBuffered is returned when a batch could not be delivered and was kept
// in the local buffer instead.
var ErrBuffered = errors.New("batch buffered for later delivery")

// HTTPWriter posts gzip-compressed JSON batches to an ingestion endpoint,
// falling back to a local file buffer when the server is unreachable.
type HTTPWriter struct {
	client     *http.Client
	url        string
	token      string
	logger     *zap.Logger
	buf        *buffer.Buffer
	retryDelay time.Duration
	now        func() time.Time
}

// NewHTTPWriter creates a writer posting to baseURL/api/ingest. buf may be nil,
// in which case undeliverable batches are dropped.
func NewHTTPWriter(baseURL, token string, buf *buffer.Buffer, logger *zap.Logger) *HTTPWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPWriter{
		client: &http.Client{
			Timeout: requestTimeout,
		},
		url:        strings.TrimRight(baseURL, "/") + "/api/ingest",
		token:      token,
		logger:     logger,
		buf:        buf,
		retryDelay: baseRetryDelay,
		now:        time.Now,
	}
}

func (w *HTTPWriter) Name() string { return "HTTP Writer" }

// Write implements Writer. Empty tables are not sent.
func (w *HTTPWriter) Write(ctx context.Context, t *models.Table) error {
	if t.Len() == 0 {
		return nil
	}
	return w.send(ctx, models.NewBatch(t, w.now()))
}

func (w *HTTPWriter) send(ctx context.Context, batch models.Batch) error {
	body, err := encodeBatch(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * w.retryDelay
			w.logger.Warn("Retrying send",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return w.bufferBatch(batch, ctx.Err())
			case <-time.After(delay):
			}
		}

		err = w.doSend(ctx, body)
		if err == nil {
			w.logger.Debug("Batch sent successfully", zap.Int("records", len(batch.Records)))
			return nil
		}

		var rl *rateLimitError
		if errors.As(err, &rl) {
			w.logger.Warn("Rate limited by server, buffering batch", zap.Error(err))
			return w.bufferBatch(batch, err)
		}

		w.logger.Warn("Send failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	w.logger.Error("All retries exhausted, buffering batch")
	return w.bufferBatch(batch, err)
}

func encodeBatch(batch models.Batch) ([]byte, error) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if err := json.NewEncoder(gz).Encode(batch); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// doSend performs a single HTTP POST to the ingest endpoint.
func (w *HTTPWriter) doSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{statusCode: resp.StatusCode}
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// bufferBatch stores a failed batch in the local file buffer.
func (w *HTTPWriter) bufferBatch(batch models.Batch, cause error) error {
	if w.buf == nil {
		w.logger.Warn("No buffer available, dropping batch",
			zap.Int("records", len(batch.Records)))
		return cause
	}
	if err := w.buf.Store(batch); err != nil {
		return fmt.Errorf("buffering batch after %v: %w", cause, err)
	}
	return fmt.Errorf("%w: %v", ErrBuffered, cause)
}

// FlushBuffer sends all previously buffered batches in the order they were
// stored. Once a batch fails, the rest are put back without being attempted.
func (w *HTTPWriter) FlushBuffer(ctx context.Context) error {
	if w.buf == nil {
		return nil
	}

	batches, err := w.buf.Drain()
	if err != nil {
		return fmt.Errorf("retrieving buffered batches: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}

	w.logger.Info("Flushing buffered batches", zap.Int("batches", len(batches)))

	for i, batch := range batches {
		if err := w.send(ctx, batch); err != nil {
			for _, rest := range batches[i+1:] {
				if serr := w.buf.Store(rest); serr != nil {
					w.logger.Error("Failed to re-buffer batch", zap.Error(serr))
				}
			}
			return err
		}
	}
	return nil
}

func (w *HTTPWriter) Close() error { return nil }

// rateLimitError indicates the server returned HTTP 429.
type rateLimitError struct {
	statusCode int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d)", e.statusCode)
}
