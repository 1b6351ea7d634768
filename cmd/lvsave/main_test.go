package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/liveview/lvsave/internal/client"
	"github.com/liveview/lvsave/internal/testserver"
)

func startServer(t *testing.T) *testserver.Server {
	t.Helper()
	srv, err := testserver.Start()
	if err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// writeConfig writes a config file pointing the client at srv.
func writeConfig(t *testing.T, srv *testserver.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lvsave.yaml")
	content := fmt.Sprintf(`client:
  host: %s
  port: %d
  reply_timeout_ms: 500
  file_name: ./run.dat
  num_frames: 7
logging:
  level: ERROR
`, srv.Host(), srv.Port())
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.yaml")
}

func TestRun_OneShotSaved(t *testing.T) {
	srv := startServer(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", writeConfig(t, srv)}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d (stderr: %s)", code, exitOK, stderr.String())
	}

	out := stdout.String()
	want := fmt.Sprintf("Sent command to save 7 frames to the file ./run.dat on %s", srv.Host())
	if !strings.Contains(out, want) {
		t.Errorf("output missing %q:\n%s", want, out)
	}
	if !strings.Contains(out, "Received a reply!") {
		t.Errorf("output missing reply line:\n%s", out)
	}

	reqs := srv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	if reqs[0].Save.FileName != "./run.dat" || reqs[0].Save.NumFrames != 7 {
		t.Errorf("request = %+v", reqs[0].Save)
	}
}

func TestRun_FlagsOverrideConfig(t *testing.T) {
	srv := startServer(t)
	var stdout, stderr bytes.Buffer

	args := []string{"-config", writeConfig(t, srv), "-file", "other.dat", "-frames", "3", "-avgs", "4"}
	if code := run(context.Background(), args, &stdout, &stderr); code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}

	reqs := srv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	got := reqs[0].Save
	if got.FileName != "other.dat" || got.NumFrames != 3 || got.NumAvgs != 4 {
		t.Errorf("request = %+v, want other.dat 3/4", got)
	}
}

func TestRun_OneShotRejected(t *testing.T) {
	srv := startServer(t)
	srv.Queue(testserver.StatusReply(404, "Directory not found"))
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", writeConfig(t, srv)}, &stdout, &stderr)
	if code != exitFailed {
		t.Fatalf("exit code = %d, want %d", code, exitFailed)
	}
	if !strings.Contains(stdout.String(), "Received an error: Directory not found") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRun_OneShotUnexpected(t *testing.T) {
	srv := startServer(t)
	srv.Queue(testserver.JSONReply(`{"hello":"world"}`))
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", writeConfig(t, srv)}, &stdout, &stderr)
	if code != exitFailed {
		t.Fatalf("exit code = %d, want %d", code, exitFailed)
	}
	if !strings.Contains(stdout.String(), `Unexpected response from server: {"hello":"world"}`) {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRun_OneShotNoReply(t *testing.T) {
	srv := startServer(t)
	srv.Queue(testserver.SilentReply())
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", writeConfig(t, srv)}, &stdout, &stderr)
	if code != exitFailed {
		t.Fatalf("exit code = %d, want %d", code, exitFailed)
	}
	if !strings.Contains(stdout.String(), "No reply from server.") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRun_PollingUntilCancelled(t *testing.T) {
	srv := startServer(t)
	var stdout, stderr bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		args := []string{"-config", missingConfig(t), "-interval", "20ms", srv.Host(), strconv.Itoa(srv.Port())}
		done <- run(ctx, args, &stdout, &stderr)
	}()

	if !srv.WaitForRequests(3, 5*time.Second) {
		t.Fatalf("server received %d requests, want at least 3", len(srv.Requests()))
	}
	cancel()

	select {
	case code := <-done:
		if code != exitOK {
			t.Errorf("exit code = %d, want %d", code, exitOK)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	out := stdout.String()
	if !strings.HasPrefix(out, "Requesting to save frames every 20ms indefinitely. Press Ctrl-C to exit.\n") {
		t.Errorf("unexpected banner:\n%s", out)
	}
	if strings.Count(out, "Received a reply!") < 3 {
		t.Errorf("expected at least 3 replies:\n%s", out)
	}
	if !strings.HasSuffix(out, "Disconnecting...\n") {
		t.Errorf("output does not end with Disconnecting:\n%s", out)
	}
}

func TestRun_PollingConnectionDropped(t *testing.T) {
	srv := startServer(t)
	var stdout, stderr bytes.Buffer

	done := make(chan int, 1)
	go func() {
		args := []string{"-config", missingConfig(t), "-interval", "50ms", srv.Host(), strconv.Itoa(srv.Port())}
		done <- run(context.Background(), args, &stdout, &stderr)
	}()

	if !srv.WaitForRequests(1, 5*time.Second) {
		t.Fatal("server received no request")
	}
	srv.DropConnections()

	select {
	case code := <-done:
		if code != exitConnection {
			t.Errorf("exit code = %d, want %d", code, exitConnection)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the connection dropped")
	}
	if !strings.Contains(stdout.String(), "The following error occurred:") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRun_ConnectionRefused(t *testing.T) {
	srv := startServer(t)
	host, port := srv.Host(), srv.Port()
	srv.Close()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", missingConfig(t), host, strconv.Itoa(port)}, &stdout, &stderr)
	if code != exitConnection {
		t.Fatalf("exit code = %d, want %d", code, exitConnection)
	}
	if !strings.HasPrefix(stdout.String(), "The connection was refused by the peer.") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"one positional", []string{"127.0.0.1"}},
		{"three positionals", []string{"127.0.0.1", "50000", "extra"}},
		{"bad port", []string{"127.0.0.1", "port"}},
		{"unknown flag", []string{"-bogus"}},
		{"zero frames", []string{"-frames", "0", "127.0.0.1", "50000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			args := append([]string{"-config", missingConfig(t)}, tt.args...)
			if code := run(context.Background(), args, &stdout, &stderr); code != exitFailed {
				t.Errorf("exit code = %d, want %d", code, exitFailed)
			}
			if stdout.Len() != 0 {
				t.Errorf("unexpected stdout: %q", stdout.String())
			}
		})
	}
}

func TestConnectErrorMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{
			err:  &client.ConnectError{Kind: client.ConnectHostNotFound, Addr: "nowhere:1", Err: errors.New("no such host")},
			want: "The requested host name could not be found.",
		},
		{
			err:  &client.ConnectError{Kind: client.ConnectRefused, Addr: "127.0.0.1:1", Err: errors.New("refused")},
			want: "The connection was refused by the peer.",
		},
		{
			err:  errors.New("network is unreachable"),
			want: "The following error occurred: network is unreachable",
		},
	}

	for _, tt := range tests {
		if got := connectErrorMessage(tt.err); !strings.HasPrefix(got, tt.want) {
			t.Errorf("connectErrorMessage(%v) = %q, want prefix %q", tt.err, got, tt.want)
		}
	}
}

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{20 * time.Second, "20 seconds"},
		{time.Second, "1 second"},
		{1500 * time.Millisecond, "1.5s"},
	}
	for _, tt := range tests {
		if got := formatInterval(tt.d); got != tt.want {
			t.Errorf("formatInterval(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
