package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"retail-hub/internal/metrics"
	"retail-hub/internal/models"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	receivePath      = "/sync/receive"
	maxErrorBodySize = 512
)

var ErrCircuitOpen = errors.New("branch circuit breaker is open")

type ClientOptions struct {
	Timeout time.Duration
	// Consecutive failures before a branch's breaker opens.
	FailureThreshold uint32
	// How long an open breaker rejects calls before letting one trial request through.
	OpenTimeout time.Duration
}

// BranchClient delivers payloads to branch endpoints. Every branch has its
// own breaker so a dead branch never slows down pushes to the others.
type BranchClient struct {
	http    *http.Client
	opts    ClientOptions
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBranchClient(opts ClientOptions, m *metrics.Metrics, log *zap.Logger) *BranchClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	return &BranchClient{
		http:     &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		metrics:  m,
		log:      log.Named("branch_client"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *BranchClient) breaker(code string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[code]; ok {
		return cb
	}
	threshold := c.opts.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        code,
		MaxRequests: 1,
		Timeout:     c.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("branch circuit breaker state changed",
				zap.String("branch", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			c.metrics.SetBreakerState(name, int(to))
		},
	})
	c.breakers[code] = cb
	c.metrics.SetBreakerState(code, int(gobreaker.StateClosed))
	return cb
}

// Deliver POSTs body as JSON to the branch's receive endpoint.
func (c *BranchClient) Deliver(ctx context.Context, branch models.Branch, body any) error {
	endpoint := strings.TrimRight(strings.TrimSpace(branch.APIEndpoint), "/")
	if endpoint == "" {
		return fmt.Errorf("branch %s has no api endpoint", branch.Code)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode push body: %w", err)
	}

	_, err = c.breaker(branch.Code).Execute(func() (interface{}, error) {
		return nil, c.post(ctx, endpoint+receivePath, branch.PushToken, raw)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, branch.Code)
	}
	return err
}

func (c *BranchClient) post(ctx context.Context, url, token string, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("branch responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
