package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tlbengine/internal/book"
	"tlbengine/internal/driver"
)

// submitResponse is the submission endpoint's response envelope. BadVersions
// is populated only on a rejected batch whose rejection the chain could
// attribute to specific stale entity versions.
type submitResponse struct {
	Accepted    bool           `json:"accepted"`
	Error       string         `json:"error,omitempty"`
	BadVersions []book.Version `json:"bad_versions,omitempty"`
}

// badVersionsErr implements driver.BadVersionsErr.
type badVersionsErr struct {
	msg      string
	versions []book.Version
}

func (e *badVersionsErr) Error() string              { return e.msg }
func (e *badVersionsErr) BadVersions() []book.Version { return e.versions }

var _ driver.BadVersionsErr = (*badVersionsErr)(nil)

// Submitter is a REST-backed driver.Submitter: it rate-limits, POSTs the
// proven transaction's payload to a submission endpoint, and surfaces a
// badVersionsErr when the endpoint names specific rejected versions.
// Grounded on the teacher's Client.PostOrders — rate-limit-then-request,
// dry-run short-circuit, status-code check, wrapped errors throughout.
type Submitter struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewSubmitter builds a Submitter posting to baseURL, rate-limited to
// submitRatePerSec. When dryRun is true, every submission reports success
// without a network call.
func NewSubmitter(baseURL string, submitRatePerSec float64, dryRun bool, logger *slog.Logger) *Submitter {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Submitter{
		http:   httpClient,
		rl:     NewRateLimiter(submitRatePerSec, 0),
		dryRun: dryRun,
		logger: logger.With("component", "upstream_submitter"),
	}
}

// SubmitTx implements driver.Submitter. The returned channel receives
// exactly one value.
func (s *Submitter) SubmitTx(ctx context.Context, tx driver.Tx) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- s.submit(ctx, tx)
	}()
	return result
}

func (s *Submitter) submit(ctx context.Context, tx driver.Tx) error {
	if s.dryRun {
		s.logger.Info("DRY-RUN: would submit tx", "pair", tx.Pair)
		return nil
	}

	if err := s.rl.Submit.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(tx.Payload)
	if err != nil {
		return fmt.Errorf("submit: marshal payload: %w", err)
	}

	var result submitResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/submit")
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("submit: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Accepted {
		if len(result.BadVersions) > 0 {
			return &badVersionsErr{msg: fmt.Sprintf("submit: rejected: %s", result.Error), versions: result.BadVersions}
		}
		return fmt.Errorf("submit: rejected: %s", result.Error)
	}
	return nil
}
