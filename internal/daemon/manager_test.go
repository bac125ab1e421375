// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/evergrid/evbus/internal/config"
	"github.com/evergrid/evbus/internal/log"
)

// contains is a helper to check if a string contains a substring
func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func reserveListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve listen addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitForListen(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("listen timeout")
}

func testServerCfg(listenAddr string) config.ServerConfig {
	return config.ServerConfig{
		ListenAddr:      listenAddr,
		ReadTimeout:     1 * time.Second,
		WriteTimeout:    1 * time.Second,
		IdleTimeout:     10 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 2 * time.Second,
	}
}

func TestNewManager_ValidDeps(t *testing.T) {
	deps := Deps{
		Logger:     log.WithComponent("test"),
		Config:     config.Config{},
		OpsHandler: http.NotFoundHandler(),
	}

	mgr, err := NewManager(testServerCfg("127.0.0.1:0"), deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if mgr == nil {
		t.Fatal("NewManager() returned nil manager")
	}
}

func TestNewManager_MissingLogger(t *testing.T) {
	deps := Deps{
		Logger:     zerolog.Nop(), // Disabled logger
		OpsHandler: http.NotFoundHandler(),
	}

	_, err := NewManager(testServerCfg("127.0.0.1:0"), deps)
	if err == nil {
		t.Fatal("NewManager() expected error for missing logger, got nil")
	}
	if !contains(err.Error(), "logger is required") {
		t.Errorf("NewManager() error = %v, want error containing 'logger is required'", err)
	}
}

func TestNewManager_MissingOpsHandler(t *testing.T) {
	deps := Deps{
		Logger:     log.WithComponent("test"),
		OpsHandler: nil,
	}

	_, err := NewManager(testServerCfg("127.0.0.1:0"), deps)
	if err == nil {
		t.Fatal("NewManager() expected error for missing ops handler, got nil")
	}
	if !contains(err.Error(), "ops handler is required") {
		t.Errorf("NewManager() error = %v, want error containing 'ops handler is required'", err)
	}
}

func TestManager_StartStop_OK(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	deps := Deps{
		Logger:     log.WithComponent("test"),
		Config:     config.Config{},
		OpsHandler: handler,
	}

	mgr, err := NewManager(testServerCfg("127.0.0.1:0"), deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- mgr.Start(ctx)
	}()

	// Give server a moment to start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestManager_Shutdown_TimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// Handler that keeps a request in flight until released
	requestStarted := make(chan struct{})
	releaseHandler := make(chan struct{})
	handler := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		select {
		case <-r.Context().Done():
		case <-releaseHandler:
		}
	})

	deps := Deps{
		Logger:     log.WithComponent("test"),
		Config:     config.Config{},
		OpsHandler: handler,
	}

	serverCfg := testServerCfg(reserveListenAddr(t))
	serverCfg.ShutdownTimeout = 100 * time.Millisecond // Very short timeout

	mgr, err := NewManager(serverCfg, deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- mgr.Start(ctx)
	}()

	if err := waitForListen(serverCfg.ListenAddr, 2*time.Second); err != nil {
		t.Fatalf("server did not start listening: %v", err)
	}

	requestDone := make(chan struct{})
	go func() {
		defer close(requestDone)
		client := &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		}
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+serverCfg.ListenAddr, nil)
		resp, err := client.Do(req)
		if err == nil && resp != nil {
			_ = resp.Body.Close()
		}
	}()

	select {
	case <-requestStarted:
		// Request is in-flight; shutdown should now hit timeout path.
	case <-time.After(2 * time.Second):
		t.Fatal("expected in-flight request before shutdown")
	}

	cancel()

	select {
	case err := <-errChan:
		if err == nil {
			t.Fatal("expected shutdown timeout error, got nil")
		}
		if !contains(err.Error(), "shutdown errors") && !contains(err.Error(), "context deadline exceeded") {
			t.Fatalf("unexpected shutdown error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	close(releaseHandler)

	select {
	case <-requestDone:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked request did not terminate after shutdown")
	}
}

func TestManager_Shutdown_NotStarted(t *testing.T) {
	deps := Deps{
		Logger:     log.WithComponent("test"),
		Config:     config.Config{},
		OpsHandler: http.NotFoundHandler(),
	}

	mgr, err := NewManager(testServerCfg("127.0.0.1:0"), deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	err = mgr.Shutdown(context.Background())
	if !errors.Is(err, ErrManagerNotStarted) {
		t.Errorf("Shutdown() error = %v, want %v", err, ErrManagerNotStarted)
	}
}

func TestManager_Shutdown_RunsHooksLIFO(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	deps := Deps{
		Logger:     log.WithComponent("test"),
		Config:     config.Config{},
		OpsHandler: http.NotFoundHandler(),
	}

	mgr, err := NewManager(testServerCfg("127.0.0.1:0"), deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	mgr.RegisterShutdownHook("first", record("first"))
	mgr.RegisterShutdownHook("second", record("second"))

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- mgr.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("hook order = %v, want [second first]", order)
	}
}

func TestManager_Shutdown_CollectsHookErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	deps := Deps{
		Logger:     log.WithComponent("test"),
		Config:     config.Config{},
		OpsHandler: http.NotFoundHandler(),
	}

	mgr, err := NewManager(testServerCfg("127.0.0.1:0"), deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	hookErr := errors.New("close failed")
	mgr.RegisterShutdownHook("flaky", func(context.Context) error {
		return hookErr
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- mgr.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err == nil {
			t.Fatal("expected hook error from Start(), got nil")
		}
		if !errors.Is(err, hookErr) {
			t.Errorf("Start() error = %v, want wrapped %v", err, hookErr)
		}
		if !contains(err.Error(), "hook flaky") {
			t.Errorf("Start() error = %v, want error naming the hook", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestManager_PropagatesListenErrors(t *testing.T) {
	// First, start a server on a known port
	testServer := httptest.NewServer(http.NotFoundHandler())
	defer testServer.Close()

	// Extract the port from the test server
	addr := testServer.Listener.Addr().String()

	deps := Deps{
		Logger:     log.WithComponent("test"),
		Config:     config.Config{},
		OpsHandler: http.NotFoundHandler(),
	}

	mgr, err := NewManager(testServerCfg(addr), deps)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	// Start manager (should fail due to port conflict)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = mgr.Start(ctx)
	if err == nil {
		t.Error("Start() expected error for port conflict, got nil")
	}
}
