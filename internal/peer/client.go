package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/versioning"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultHealthTimeout        = 2 * time.Second
	defaultClockStatusTimeout   = 5 * time.Second
	defaultExportTimeout        = 30 * time.Second
	defaultSyncTimeout          = 5 * time.Second
	defaultContentTimeout       = 60 * time.Second
	defaultClockStatusBatchSize = 500
	maxErrorBodyBytes           = 4096
)

// TokenSource signs outbound peer requests.
type TokenSource interface {
	IssuePeerToken(ctx context.Context, endpoint string) (string, time.Time, error)
}

// ClientConfig configures the peer HTTP client. Zero values select defaults.
type ClientConfig struct {
	HTTPClient           *http.Client
	SelfEndpoint         string
	Tokens               TokenSource
	RequestsPerSecond    float64
	Burst                int
	HealthTimeout        time.Duration
	ClockStatusTimeout   time.Duration
	ExportTimeout        time.Duration
	SyncTimeout          time.Duration
	ContentTimeout       time.Duration
	ClockStatusBatchSize int
	Logger               *zap.Logger
	Clock                func() time.Time
}

// Client calls the HTTP API every content node exposes. All outbound calls share one limiter.
type Client struct {
	httpClient           *http.Client
	selfEndpoint         string
	tokens               TokenSource
	limiter              *rate.Limiter
	healthTimeout        time.Duration
	clockStatusTimeout   time.Duration
	exportTimeout        time.Duration
	syncTimeout          time.Duration
	contentTimeout       time.Duration
	clockStatusBatchSize int
	logger               *zap.Logger
	clock                func() time.Time
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		httpClient:           httpClient,
		selfEndpoint:         strings.TrimRight(strings.TrimSpace(cfg.SelfEndpoint), "/"),
		tokens:               cfg.Tokens,
		limiter:              rate.NewLimiter(limit, burst),
		healthTimeout:        durationOrDefault(cfg.HealthTimeout, defaultHealthTimeout),
		clockStatusTimeout:   durationOrDefault(cfg.ClockStatusTimeout, defaultClockStatusTimeout),
		exportTimeout:        durationOrDefault(cfg.ExportTimeout, defaultExportTimeout),
		syncTimeout:          durationOrDefault(cfg.SyncTimeout, defaultSyncTimeout),
		contentTimeout:       durationOrDefault(cfg.ContentTimeout, defaultContentTimeout),
		clockStatusBatchSize: intOrDefault(cfg.ClockStatusBatchSize, defaultClockStatusBatchSize),
		logger:               logger,
		clock:                clock,
	}
}

// VerboseHealth fetches the peer's verbose health report and the observed response time.
func (c *Client) VerboseHealth(ctx context.Context, endpoint string) (VerboseHealth, time.Duration, error) {
	var report VerboseHealth
	started := c.clock()
	err := c.doJSON(ctx, c.healthTimeout, http.MethodGet, endpoint, PathVerboseHealth, nil, false, &report)
	elapsed := c.clock().Sub(started)
	if err != nil {
		return VerboseHealth{}, elapsed, err
	}
	return report, elapsed, nil
}

// BatchClockStatus fetches clocks for wallets, splitting the request into batches.
func (c *Client) BatchClockStatus(ctx context.Context, endpoint string, wallets []string, returnFilesHash bool) ([]WalletClockStatus, error) {
	path := PathBatchClockStatus + "?returnFilesHash=" + strconv.FormatBool(returnFilesHash)
	statuses := make([]WalletClockStatus, 0, len(wallets))
	for start := 0; start < len(wallets); start += c.clockStatusBatchSize {
		end := start + c.clockStatusBatchSize
		if end > len(wallets) {
			end = len(wallets)
		}
		var response BatchClockStatusResponse
		body := BatchClockStatusRequest{WalletPublicKeys: wallets[start:end]}
		if err := c.doJSON(ctx, c.clockStatusTimeout, http.MethodPost, endpoint, path, body, false, &response); err != nil {
			return nil, err
		}
		statuses = append(statuses, response.Users...)
	}
	return statuses, nil
}

// Export fetches one export page for wallets starting at clockMin.
func (c *Client) Export(ctx context.Context, endpoint string, wallets []string, clockMin int64) (versioning.Export, error) {
	query := url.Values{}
	for _, wallet := range wallets {
		query.Add("wallet_public_key", wallet)
	}
	query.Set("clock_range_min", strconv.FormatInt(clockMin, 10))
	var export versioning.Export
	if err := c.doJSON(ctx, c.exportTimeout, http.MethodGet, endpoint, PathExport+"?"+query.Encode(), nil, true, &export); err != nil {
		return versioning.Export{}, err
	}
	return export, nil
}

// IssueSync asks a secondary to pull from the payload's creator node.
func (c *Client) IssueSync(ctx context.Context, endpoint string, payload SyncPayload) error {
	return c.doJSON(ctx, c.syncTimeout, http.MethodPost, endpoint, PathSync, payload, true, nil)
}

// SyncStatus fetches the peer's view of wallet.
func (c *Client) SyncStatus(ctx context.Context, endpoint string, wallet string) (SyncStatus, error) {
	var status SyncStatus
	if err := c.doJSON(ctx, c.syncTimeout, http.MethodGet, endpoint, PathSyncStatus+url.PathEscape(wallet), nil, false, &status); err != nil {
		return SyncStatus{}, err
	}
	return status, nil
}

// FetchContent downloads the content named by identifier into destination. The file is written
// to a temporary sibling and renamed so readers never see partial content.
func (c *Client) FetchContent(ctx context.Context, endpoint string, identifier string, destination string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.contentTimeout)
	defer cancel()

	response, err := c.send(callCtx, http.MethodGet, endpoint, PathContent+url.PathEscape(identifier), nil, false)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	temp, err := os.CreateTemp(filepath.Dir(destination), ".fetch-*")
	if err != nil {
		return fmt.Errorf("peer: create temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := io.Copy(temp, response.Body); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("peer: copy content %s: %w", identifier, err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("peer: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, destination); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("peer: store content %s: %w", identifier, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, timeout time.Duration, method string, endpoint string, path string, body any, signed bool, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := c.send(callCtx, method, endpoint, path, body, signed)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("peer: decode %s%s: %w", endpoint, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method string, endpoint string, path string, body any, signed bool) (*http.Response, error) {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		return nil, ErrMissingEndpoint
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if signed && c.tokens != nil {
		token, _, err := c.tokens.IssuePeerToken(ctx, c.selfEndpoint)
		if err != nil {
			return nil, fmt.Errorf("peer: sign request: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("peer request failed",
			zap.String("endpoint", base),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		statusErr := &StatusError{Endpoint: base, Path: path, StatusCode: response.StatusCode}
		var envelope ErrorResponse
		if decodeErr := json.NewDecoder(io.LimitReader(response.Body, maxErrorBodyBytes)).Decode(&envelope); decodeErr == nil {
			statusErr.Code = envelope.Code
		}
		return nil, statusErr
	}
	return response, nil
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func intOrDefault(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
