package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Outcome classifies a single callback delivery attempt.
type Outcome int

const (
	// Delivered means the receiver answered 204 No Content.
	Delivered Outcome = iota + 1
	// Rejected means the receiver answered with any other status.
	Rejected
	// TimedOut means no answer arrived within the timeout.
	TimedOut
	// ConnectionFailed means the receiver could not be reached.
	ConnectionFailed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	case ConnectionFailed:
		return "connection_failed"
	}
	return "unknown"
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Invoker posts recognition results to caller supplied callback urls.
type Invoker struct {
	client  Doer
	timeout time.Duration
	logger  *zap.Logger
}

// NewInvoker constructs an invoker bounded by timeout. A nil client uses a
// dedicated http.Client.
func NewInvoker(client Doer, timeout time.Duration, logger *zap.Logger) *Invoker {
	if client == nil {
		client = &http.Client{}
	}
	return &Invoker{client: client, timeout: timeout, logger: logger.Named("callback_invoker")}
}

// Invoke posts body as JSON to url exactly once and classifies the outcome.
// The request is detached from ctx cancellation and only bounded by the
// invoker timeout. The returned error is reserved for requests that could not
// be built.
func (i *Invoker) Invoke(ctx context.Context, url string, body any) (Outcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode callback body: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		outcome := classifyTransportError(err)
		i.logger.Warn("callback delivery failed", zap.String("url", url), zap.Stringer("outcome", outcome), zap.Error(err))
		return outcome, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusNoContent {
		i.logger.Warn("callback rejected", zap.String("url", url), zap.Int("status_code", resp.StatusCode))
		return Rejected, nil
	}
	return Delivered, nil
}

func classifyTransportError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimedOut
	}
	return ConnectionFailed
}
