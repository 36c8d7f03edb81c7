package grpc

import (
	"context"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestHealthServerStartsNotServing(t *testing.T) {
	h, stop := startHealthServer(t, "chat")
	defer stop()

	conn := dialHealthServer(t, h.Addr())
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := WaitForHealth(ctx, conn, "chat", nil); err == nil {
		t.Fatal("expected wait to time out while NOT_SERVING")
	}
}

func TestHealthServerTransitionsToServing(t *testing.T) {
	h, stop := startHealthServer(t, "chat")
	defer stop()

	conn := dialHealthServer(t, h.Addr())
	defer conn.Close()

	go func() {
		time.Sleep(150 * time.Millisecond)
		h.SetServing(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := WaitForHealth(ctx, conn, "chat", nil); err != nil {
		t.Fatalf("wait for health after transition: %v", err)
	}
	if err := WaitForHealth(ctx, conn, "", nil); err != nil {
		t.Fatalf("overall health: %v", err)
	}
}

func TestHealthServerServeReturnsOnCancel(t *testing.T) {
	h, err := ListenHealth("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestWaitForHealthRequiresConn(t *testing.T) {
	if err := WaitForHealth(context.Background(), nil, "", nil); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func TestNilHealthServerIsSafe(t *testing.T) {
	var h *HealthServer
	h.SetServing(true)
	h.Stop()
	if h.Addr() != "" {
		t.Fatal("expected empty addr")
	}
	if err := h.Serve(context.Background()); err == nil {
		t.Fatal("expected error from nil server")
	}
}

func startHealthServer(t *testing.T, services ...string) (*HealthServer, func()) {
	t.Helper()

	h, err := ListenHealth("127.0.0.1:0", services...)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(ctx) }()

	return h, func() {
		cancel()
		select {
		case <-serveErr:
		case <-time.After(2 * time.Second):
		}
	}
}

func dialHealthServer(t *testing.T, addr string) *gogrpc.ClientConn {
	t.Helper()

	conn, err := gogrpc.NewClient(
		addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial health server: %v", err)
	}
	return conn
}
