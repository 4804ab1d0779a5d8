package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/proxy-tunnel/common"
)

// serveFunc scripts one daemon connection. The connection is closed when
// it returns.
type serveFunc func(conn net.Conn, dec *json.Decoder)

func listenDaemon(t *testing.T, path string, serve serveFunc) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serve(conn, json.NewDecoder(conn))
			}()
		}
	}()
	return nil
}

func startDaemon(t *testing.T, serve serveFunc) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	if err := listenDaemon(t, path, serve); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestClient(path string, opts ...Option) *Client {
	base := []Option{
		WithSocketPath(path),
		WithInstaller(nil),
		WithResetGrace(time.Second),
	}
	return NewClient(append(base, opts...)...)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s not closed", what)
	}
}

func writeString(conn net.Conn, s string) {
	_, _ = io.WriteString(conn, s)
}

// answerConfigure reads the configure request and reports success.
func answerConfigure(dec *json.Decoder, conn net.Conn) (Request, error) {
	var req Request
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	writeString(conn, `{"action":"configureRouting","statusCode":0}`)
	return req, nil
}

func TestClient_StartAndStop(t *testing.T) {
	requests := make(chan Request, 4)
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		req, err := answerConfigure(dec, conn)
		if err != nil {
			return
		}
		requests <- req
		var reset Request
		if err := dec.Decode(&reset); err != nil {
			return
		}
		requests <- reset
		writeString(conn, `{"action":"resetRouting","statusCode":0}`)
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(path)
	if err := c.Start(context.Background(), "203.0.113.5", true); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	configure := <-requests
	if configure.Action != ActionConfigureRouting {
		t.Errorf("first request = %q, want configureRouting", configure.Action)
	}
	if configure.Parameters["proxyIp"] != "203.0.113.5" || configure.Parameters["isAutoConnect"] != true {
		t.Errorf("configure parameters = %v", configure.Parameters)
	}

	select {
	case <-c.Done():
		t.Fatal("Done closed while routing is active")
	default:
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if reset := <-requests; reset.Action != ActionResetRouting {
		t.Errorf("second request = %q, want resetRouting", reset.Action)
	}
	waitClosed(t, c.Done(), "Done")

	// Stopping again is a no-op.
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestClient_StartFailureStatus(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     error
		wantMsg  string
	}{
		{
			name:     "generic failure",
			response: `{"action":"configureRouting","statusCode":1,"errorMessage":"no default route"}`,
			want:     common.ErrUnexpected,
			wantMsg:  "no default route",
		},
		{
			name:     "unsupported routing table",
			response: `{"action":"configureRouting","statusCode":2,"errorMessage":"unsupported"}`,
			want:     common.ErrUnsupportedRoutingTable,
		},
		{
			name:     "wrong action",
			response: `{"action":"statusChanged","statusCode":0,"connectionStatus":0}`,
			want:     common.ErrUnexpected,
		},
		{
			name:     "malformed",
			response: `this is not json`,
			want:     common.ErrUnexpected,
			wantMsg:  "parse",
		},
		{
			name:     "empty",
			response: "",
			want:     common.ErrUnexpected,
			wantMsg:  "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
				var req Request
				if err := dec.Decode(&req); err != nil {
					return
				}
				writeString(conn, tt.response)
			})

			c := newTestClient(path)
			err := c.Start(context.Background(), "203.0.113.5", false)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start() error = %v, want %v", err, tt.want)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Start() error = %q, want it to mention %q", err, tt.wantMsg)
			}
			waitClosed(t, c.Done(), "Done after rejected start")
		})
	}
}

func TestClient_ResponseSplitAcrossWrites(t *testing.T) {
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		writeString(conn, `{"action":"configu`)
		time.Sleep(50 * time.Millisecond)
		writeString(conn, `reRouting","statusCode":0}`)
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(path)
	if err := c.Start(context.Background(), "203.0.113.5", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()
}

func TestClient_StatusPushes(t *testing.T) {
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		if _, err := answerConfigure(dec, conn); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
		writeString(conn, `["not","a","response"]`)
		writeString(conn, `{"action":"statusChanged","statusCode":0,"connectionStatus":2}`)
		writeString(conn, `{"action":"statusChanged","statusCode":0,"connectionStatus":0}`)
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(path)
	var mu sync.Mutex
	var got []common.TunnelStatus
	twoSeen := make(chan struct{})
	c.SetOnStatusChange(func(status common.TunnelStatus) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, status)
		if len(got) == 2 {
			close(twoSeen)
		}
	})

	if err := c.Start(context.Background(), "203.0.113.5", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitClosed(t, twoSeen, "status notifications")

	mu.Lock()
	if got[0] != common.StatusReconnecting || got[1] != common.StatusConnected {
		t.Errorf("statuses = %v, want [Reconnecting Connected]", got)
	}
	mu.Unlock()

	select {
	case <-c.Done():
		t.Error("malformed push closed the connection")
	default:
	}
	c.Stop()
}

func TestClient_PushedResetClosesConnection(t *testing.T) {
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		if _, err := answerConfigure(dec, conn); err != nil {
			return
		}
		writeString(conn, `{"action":"resetRouting","statusCode":0}`)
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(path)
	if err := c.Start(context.Background(), "203.0.113.5", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitClosed(t, c.Done(), "Done after pushed reset")
}

func TestClient_DaemonHangsUp(t *testing.T) {
	hangUp := make(chan struct{})
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		if _, err := answerConfigure(dec, conn); err != nil {
			return
		}
		<-hangUp
	})

	c := newTestClient(path)
	if err := c.Start(context.Background(), "203.0.113.5", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	close(hangUp)
	waitClosed(t, c.Done(), "Done after daemon hang up")
}

func TestClient_ResetGrace(t *testing.T) {
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		if _, err := answerConfigure(dec, conn); err != nil {
			return
		}
		// Never answers the reset and never closes.
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(path, WithResetGrace(100*time.Millisecond))
	if err := c.Start(context.Background(), "203.0.113.5", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitClosed(t, c.Done(), "Done after reset grace")
}

func TestClient_StopNeverStarted(t *testing.T) {
	c := newTestClient(filepath.Join(t.TempDir(), "missing.sock"))
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitClosed(t, c.Done(), "Done")

	err := c.Start(context.Background(), "203.0.113.5", false)
	if !errors.Is(err, common.ErrSystemMisconfigured) {
		t.Errorf("Start() after Stop error = %v, want SystemMisconfigured", err)
	}
}

func TestClient_StopBeforeResponse(t *testing.T) {
	gotConfigure := make(chan struct{})
	next := make(chan Action, 1)
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		close(gotConfigure)
		time.Sleep(100 * time.Millisecond)
		writeString(conn, `{"action":"configureRouting","statusCode":0}`)
		var reset Request
		if err := dec.Decode(&reset); err != nil {
			next <- "closed"
			return
		}
		next <- reset.Action
		writeString(conn, `{"action":"resetRouting","statusCode":0}`)
	})

	c := newTestClient(path)
	result := make(chan error, 1)
	go func() { result <- c.Start(context.Background(), "203.0.113.5", false) }()

	waitClosed(t, gotConfigure, "configure request")
	c.Stop()

	select {
	case err := <-result:
		if !errors.Is(err, common.ErrSystemMisconfigured) {
			t.Errorf("Start() error = %v, want SystemMisconfigured", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return")
	}
	// Routing was configured, so it must be reset.
	if got := <-next; got != ActionResetRouting {
		t.Errorf("request after configure = %q, want %q", got, ActionResetRouting)
	}
	waitClosed(t, c.Done(), "Done")
}

func TestClient_StopDuringDial(t *testing.T) {
	dialing := make(chan struct{})
	release := make(chan struct{})
	daemonSide, clientSide := net.Pipe()
	defer daemonSide.Close()
	dial := func(context.Context, string) (io.ReadWriteCloser, error) {
		close(dialing)
		<-release
		return clientSide, nil
	}

	c := newTestClient("unused", WithDialer(dial))
	result := make(chan error, 1)
	go func() { result <- c.Start(context.Background(), "203.0.113.5", false) }()

	waitClosed(t, dialing, "dial")
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitClosed(t, c.Done(), "Done")
	close(release)

	select {
	case err := <-result:
		if !errors.Is(err, common.ErrSystemMisconfigured) {
			t.Errorf("Start() error = %v, want SystemMisconfigured", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return")
	}

	// The daemon sees the connection close without a configure request.
	daemonSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	if n, err := daemonSide.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("daemon read = %q, %v; want EOF", buf[:n], err)
	}
}

func TestClient_StartContextCancelled(t *testing.T) {
	next := make(chan Action, 1)
	path := startDaemon(t, func(conn net.Conn, dec *json.Decoder) {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		var reset Request
		if err := dec.Decode(&reset); err != nil {
			next <- "closed"
			return
		}
		next <- reset.Action
	})

	c := newTestClient(path)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Start(ctx, "203.0.113.5", false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start() error = %v, want deadline exceeded", err)
	}
	if got := <-next; got != ActionResetRouting {
		t.Errorf("request after cancel = %q, want %q", got, ActionResetRouting)
	}
	waitClosed(t, c.Done(), "Done")
}

func TestClient_DialErrors(t *testing.T) {
	tests := []struct {
		name         string
		dialErr      error
		wantInstalls int
		wantErr      error
	}{
		{
			name:         "daemon not listening",
			dialErr:      fmt.Errorf("%w on ctl.sock: connection refused", ErrDaemonUnavailable),
			wantInstalls: 1,
			wantErr:      common.ErrNoAdminPermissions,
		},
		{
			name:    "permission denied",
			dialErr: fs.ErrPermission,
			wantErr: common.ErrSystemMisconfigured,
		},
		{
			name:    "dial timeout",
			dialErr: context.DeadlineExceeded,
			wantErr: common.ErrSystemMisconfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installs := 0
			installer := InstallerFunc(func(context.Context) error {
				installs++
				return nil
			})
			dial := func(context.Context, string) (io.ReadWriteCloser, error) {
				return nil, tt.dialErr
			}

			c := newTestClient("unused", WithDialer(dial), WithInstaller(installer))
			err := c.Start(context.Background(), "203.0.113.5", false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Start() error = %v, want %v", err, tt.wantErr)
			}
			if installs != tt.wantInstalls {
				t.Errorf("installer calls = %d, want %d", installs, tt.wantInstalls)
			}
		})
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	c := newTestClient(filepath.Join(t.TempDir(), "missing.sock"))
	err := c.Start(context.Background(), "203.0.113.5", false)
	if !errors.Is(err, common.ErrSystemMisconfigured) {
		t.Errorf("Start() error = %v, want SystemMisconfigured", err)
	}
}

func TestClient_InstallerRetriesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	calls := 0
	installer := InstallerFunc(func(context.Context) error {
		calls++
		return nil
	})

	c := newTestClient(path, WithInstaller(installer))
	err := c.Start(context.Background(), "203.0.113.5", false)
	if !errors.Is(err, common.ErrNoAdminPermissions) {
		t.Errorf("Start() error = %v, want NoAdminPermissions", err)
	}
	if calls != 1 {
		t.Errorf("installer called %d times, want 1", calls)
	}
}

func TestClient_InstallerBringsDaemonUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	installer := InstallerFunc(func(context.Context) error {
		return listenDaemon(t, path, func(conn net.Conn, dec *json.Decoder) {
			if _, err := answerConfigure(dec, conn); err != nil {
				return
			}
			io.Copy(io.Discard, conn)
		})
	})

	c := newTestClient(path, WithInstaller(installer))
	if err := c.Start(context.Background(), "203.0.113.5", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()
}

func TestClient_InstallerDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	installer := InstallerFunc(func(context.Context) error {
		return common.NewNativeError(common.NoAdminPermissions, "admin permissions not granted")
	})

	c := newTestClient(path, WithInstaller(installer))
	err := c.Start(context.Background(), "203.0.113.5", false)
	if !errors.Is(err, common.ErrNoAdminPermissions) {
		t.Errorf("Start() error = %v, want NoAdminPermissions", err)
	}
}
