package httpstream

import (
	"context"
	"net"
	"testing"

	"go.uber.org/zap"
)

func reserveFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestIsPortFree(t *testing.T) {
	port := reserveFreePort(t)
	if isPortFree(port) {
		t.Fatalf("port %d is held by this test's listener, want not free", port)
	}
}

func TestAcquirePortReturnsPreferredWhenFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	preferred := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	port, attach, err := acquirePort(context.Background(), ProcessConfig{PreferredPort: preferred}, zap.NewNop())
	if err != nil {
		t.Fatalf("acquirePort: %v", err)
	}
	if attach {
		t.Fatal("expected attach=false for a free preferred port")
	}
	if port != preferred {
		t.Fatalf("port = %d, want %d", port, preferred)
	}
}

func TestAcquirePortSearchesNearbyWhenPreferredOccupied(t *testing.T) {
	occupied := reserveFreePort(t)

	port, attach, err := acquirePort(context.Background(), ProcessConfig{PreferredPort: occupied}, zap.NewNop())
	if err != nil {
		t.Fatalf("acquirePort: %v", err)
	}
	if attach {
		t.Fatal("expected attach=false when probeHealthy has no health path configured")
	}
	if port == occupied {
		t.Fatalf("port = %d, want a different port than the occupied preferred one", port)
	}
}

func TestAcquirePortAttachesToHealthyInstance(t *testing.T) {
	mux := newHealthyTestServer(t)
	port := mux

	got, attach, err := acquirePort(context.Background(), ProcessConfig{PreferredPort: port, HealthPath: "/health"}, zap.NewNop())
	if err != nil {
		t.Fatalf("acquirePort: %v", err)
	}
	if !attach {
		t.Fatal("expected attach=true for an already-healthy instance on the preferred port")
	}
	if got != port {
		t.Fatalf("port = %d, want %d", got, port)
	}
}

// newHealthyTestServer starts a minimal HTTP server answering 200 on /health
// and returns the port it bound, so acquirePort's probeHealthy path can be
// exercised without a real backend binary.
func newHealthyTestServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				_, _ = conn.Read(buf)
				_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return port
}
