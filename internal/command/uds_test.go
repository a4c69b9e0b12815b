package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/ctsync/internal/engine"
	"firestige.xyz/ctsync/internal/origin"
)

func startServer(t *testing.T, handler *CommandHandler) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "ctsyncd.sock")

	server := NewUDSServer(socketPath, handler)
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx)
	}()
	t.Cleanup(cancel)
	return socketPath, cancel, errCh
}

func TestUDSServerClient_Integration(t *testing.T) {
	reg := origin.NewRegistry()
	handler := NewCommandHandler(fixedStats{EventsReceived: 10}, reg, &mockConfigReloader{})
	socketPath, cancel, errCh := startServer(t, handler)

	client := NewUDSClient(socketPath, 5*time.Second)

	t.Run("stats", func(t *testing.T) {
		resp, err := client.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		var st engine.Stats
		if err := resp.Decode(&st); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if st.EventsReceived != 10 {
			t.Errorf("events_received = %d, want 10", st.EventsReceived)
		}
	})

	t.Run("origin.list", func(t *testing.T) {
		resp, err := client.OriginList(context.Background())
		if err != nil {
			t.Fatalf("OriginList failed: %v", err)
		}
		var result OriginListResult
		if err := resp.Decode(&result); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if result.Count != 0 {
			t.Errorf("count = %d, want 0", result.Count)
		}
	})

	t.Run("config.reload", func(t *testing.T) {
		resp, err := client.ConfigReload(context.Background())
		if err != nil {
			t.Fatalf("ConfigReload failed: %v", err)
		}
		if resp.Error != nil {
			t.Errorf("unexpected error: %v", resp.Error.Message)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := client.Ping(context.Background()); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("unknown_method", func(t *testing.T) {
		resp, err := client.Call(context.Background(), "unknown.method", nil)
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("expected error for unknown method")
		}
		if resp.Error.Code != ErrCodeMethodNotFound {
			t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
		}
	})

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server didn't stop in time")
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not removed after server stop")
	}
}

func TestUDSServer_MalformedRequest(t *testing.T) {
	socketPath, _, _ := startServer(t, NewCommandHandler(nil, nil, nil))

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	scanner := bufio.NewScanner(conn)
	for _, line := range []string{"{not json\n", `{"jsonrpc":"2.0","id":1}` + "\n"} {
		if _, err := conn.Write([]byte(line)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if !scanner.Scan() {
			t.Fatalf("no response: %v", scanner.Err())
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("bad response: %v", err)
		}
		if resp.Error == nil {
			t.Errorf("expected error response for %q", line)
		}
	}
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), 1*time.Second)

	if _, err := client.Stats(context.Background()); err == nil {
		t.Error("expected connection error")
	}
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	socketPath, _, _ := startServer(t, NewCommandHandler(fixedStats{}, nil, nil))

	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := NewUDSClient(socketPath, 5*time.Second).Stats(context.Background())
			errCh <- err
		}()
	}

	for i := 0; i < 5; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("client %d failed: %v", i, err)
		}
	}
}
