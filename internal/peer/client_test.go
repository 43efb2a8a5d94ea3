package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type staticTokens struct {
	token string
}

func (s staticTokens) IssuePeerToken(context.Context, string) (string, time.Time, error) {
	return s.token, time.Now().Add(time.Minute), nil
}

func TestVerboseHealthDecodesOptionalFields(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != PathVerboseHealth {
			testContext.Errorf("unexpected path %s", request.URL.Path)
		}
		_, _ = writer.Write([]byte(`{"healthy":true,"version":"1.2.3","storagePathSize":100,"storagePathUsed":40}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{})
	report, _, err := client.VerboseHealth(context.Background(), server.URL+"/")
	if err != nil {
		testContext.Fatalf("verbose health failed: %v", err)
	}
	if !report.Healthy || report.Version != "1.2.3" {
		testContext.Fatalf("unexpected report %+v", report)
	}
	if report.StoragePathSize == nil || *report.StoragePathSize != 100 {
		testContext.Fatalf("expected storage size to be decoded")
	}
	if report.TotalMemory != nil || report.DailySyncFailCount != nil {
		testContext.Fatalf("expected absent fields to stay nil")
	}
}

func TestVerboseHealthTimesOut(testContext *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(ClientConfig{HealthTimeout: 50 * time.Millisecond})
	_, _, err := client.VerboseHealth(context.Background(), server.URL)
	if err == nil {
		testContext.Fatalf("expected timeout error")
	}
	if !IsTransient(err) {
		testContext.Fatalf("expected timeout to be transient, got %v", err)
	}
}

func TestNonSuccessStatusBecomesStatusError(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusServiceUnavailable)
		_, _ = writer.Write([]byte(`{"error":"draining","code":"node.draining"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{})
	_, err := client.SyncStatus(context.Background(), server.URL, "0xabc")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		testContext.Fatalf("expected status error, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Code != "node.draining" {
		testContext.Fatalf("unexpected status error %+v", statusErr)
	}
	if !errors.Is(err, ErrUnexpectedStatus) || !IsTransient(err) {
		testContext.Fatalf("expected transient unexpected status, got %v", err)
	}
}

func TestBatchClockStatusSplitsIntoBatches(testContext *testing.T) {
	var mu sync.Mutex
	var batchSizes []int
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("returnFilesHash") != "true" {
			testContext.Errorf("expected returnFilesHash=true")
		}
		var body BatchClockStatusRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			testContext.Errorf("decode body: %v", err)
		}
		mu.Lock()
		batchSizes = append(batchSizes, len(body.WalletPublicKeys))
		mu.Unlock()
		response := BatchClockStatusResponse{}
		for index, wallet := range body.WalletPublicKeys {
			response.Users = append(response.Users, WalletClockStatus{WalletPublicKey: wallet, Clock: int64(index)})
		}
		_ = json.NewEncoder(writer).Encode(response)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{ClockStatusBatchSize: 2})
	statuses, err := client.BatchClockStatus(context.Background(), server.URL, []string{"a", "b", "c", "d", "e"}, true)
	if err != nil {
		testContext.Fatalf("batch clock status failed: %v", err)
	}
	if len(statuses) != 5 {
		testContext.Fatalf("expected 5 statuses, got %d", len(statuses))
	}
	if len(batchSizes) != 3 || batchSizes[0] != 2 || batchSizes[2] != 1 {
		testContext.Fatalf("unexpected batch sizes %v", batchSizes)
	}
}

func TestIssueSyncSignsRequest(testContext *testing.T) {
	var received SyncPayload
	var authorization string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		authorization = request.Header.Get("Authorization")
		_ = json.NewDecoder(request.Body).Decode(&received)
		writer.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{SelfEndpoint: "https://primary.example", Tokens: staticTokens{token: "signed"}})
	payload := SyncPayload{Wallet: []string{"0xabc"}, CreatorNodeEndpoint: "https://primary.example", Immediate: true}
	if err := client.IssueSync(context.Background(), server.URL, payload); err != nil {
		testContext.Fatalf("issue sync failed: %v", err)
	}
	if authorization != "Bearer signed" {
		testContext.Fatalf("expected bearer token, got %q", authorization)
	}
	if len(received.Wallet) != 1 || received.CreatorNodeEndpoint != "https://primary.example" || !received.Immediate {
		testContext.Fatalf("unexpected payload %+v", received)
	}
}

func TestExportSendsWalletsAndClockMin(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		query := request.URL.Query()
		if strings.Join(query["wallet_public_key"], ",") != "0xa,0xb" || query.Get("clock_range_min") != "7" {
			testContext.Errorf("unexpected query %s", request.URL.RawQuery)
		}
		_, _ = writer.Write([]byte(`{"users":{"0xa":{"user":{"walletPublicKey":"0xa","clock":9},"clockRecords":[],"files":[],"tracks":[],"userProfiles":[],"clockInfo":{"requestedClockRangeMin":7,"requestedClockRangeMax":9,"localClockMax":9}}}}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{})
	export, err := client.Export(context.Background(), server.URL, []string{"0xa", "0xb"}, 7)
	if err != nil {
		testContext.Fatalf("export failed: %v", err)
	}
	if export.Users["0xa"].ClockInfo.LocalClockMax != 9 {
		testContext.Fatalf("unexpected export %+v", export)
	}
}

func TestFetchContentWritesDestination(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte("payload"))
	}))
	defer server.Close()

	destination := filepath.Join(testContext.TempDir(), "content")
	client := NewClient(ClientConfig{})
	if err := client.FetchContent(context.Background(), server.URL, "QmX", destination); err != nil {
		testContext.Fatalf("fetch content failed: %v", err)
	}
	data, err := os.ReadFile(destination)
	if err != nil || string(data) != "payload" {
		testContext.Fatalf("unexpected content %q (%v)", data, err)
	}
}

func TestRetryStopsOnSuccessAndOnPermanentErrors(testContext *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3}, func(context.Context) error {
		attempts++
		if attempts < 2 {
			return &StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	if err != nil || attempts != 2 {
		testContext.Fatalf("expected success on second attempt, got %v after %d", err, attempts)
	}

	attempts = 0
	permanent := &StatusError{StatusCode: http.StatusBadRequest}
	err = Retry(context.Background(), RetryPolicy{Attempts: 3}, func(context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) || attempts != 1 {
		testContext.Fatalf("expected permanent error after one attempt, got %v after %d", err, attempts)
	}

	attempts = 0
	err = Retry(context.Background(), RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond}, func(context.Context) error {
		attempts++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) || attempts != 3 {
		testContext.Fatalf("expected three attempts, got %d (%v)", attempts, err)
	}
}

func TestRetryNotifiesDoublingWaitsUpToMax(testContext *testing.T) {
	var waits []time.Duration
	attempts := 0
	policy := RetryPolicy{
		Attempts:       4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		Notify: func(err error, wait time.Duration) {
			waits = append(waits, wait)
		},
	}
	err := Retry(context.Background(), policy, func(context.Context) error {
		attempts++
		return &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || attempts != 4 {
		testContext.Fatalf("expected four attempts ending in a status error, got %v after %d", err, attempts)
	}
	expected := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if len(waits) != len(expected) {
		testContext.Fatalf("expected waits %v, got %v", expected, waits)
	}
	for index := range expected {
		if waits[index] != expected[index] {
			testContext.Fatalf("expected waits %v, got %v", expected, waits)
		}
	}
}

func TestRetryJoinsLastErrorWhenContextEnds(testContext *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, RetryPolicy{Attempts: 3, InitialBackoff: 10 * time.Millisecond}, func(context.Context) error {
		attempts++
		cancel()
		return &StatusError{StatusCode: http.StatusBadGateway}
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || !errors.Is(err, context.Canceled) {
		testContext.Fatalf("expected status and cancellation errors, got %v", err)
	}
	if attempts != 1 {
		testContext.Fatalf("expected a single attempt, got %d", attempts)
	}
}
