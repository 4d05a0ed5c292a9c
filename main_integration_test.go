package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/handlers"
	"github.com/example/blob-recognition/internal/usecase"
)

// blockingResults holds GetResult open until released so a request can be in
// flight while the server shuts down.
type blockingResults struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingResults) GetResult(ctx context.Context, blobID string) (*usecase.RecognitionResult, error) {
	select {
	case <-b.started:
	default:
		close(b.started)
	}
	<-b.release
	return nil, domain.ResultError(blobID, domain.StatusNotFound)
}

func (b *blockingResults) GetStatusSummary(ctx context.Context) (*usecase.StatusSummary, error) {
	return &usecase.StatusSummary{ByStatus: map[string]int64{}}, nil
}

func TestServerGracefulShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	results := &blockingResults{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-results.release:
		default:
			close(results.release)
		}
	}()

	router := gin.New()
	handlers.RegisterRoutes(router, handlers.Dependencies{Results: results, Logger: logger})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Get("http://" + addr + "/v1/blobs/blob-1")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-results.started:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(results.release)

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		var body struct {
			Description string            `json:"description"`
			Payload     map[string]string `json:"payload"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body.Description != "Blob not found." || body.Payload["blob_id"] != "blob-1" {
			t.Fatalf("unexpected body %+v", body)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
