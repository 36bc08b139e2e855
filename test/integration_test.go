package test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaytun/otun/internal/backoff"
	"github.com/relaytun/otun/internal/client"
	"github.com/relaytun/otun/internal/config"
	"github.com/relaytun/otun/internal/server"
)

const testDomain = "tunnel.test"

// startLocalServer starts a plain HTTP origin for the tunnel client to
// forward to.
func startLocalServer(t *testing.T, name string) (addr string, srv *http.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello from %s!\nPath: %s\nMethod: %s\n", name, r.URL.Path, r.Method)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
	mux.HandleFunc("/hash", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hash := sha256.Sum256(body)
		fmt.Fprintf(w, "size=%d\nhash=%s\n", len(body), hex.EncodeToString(hash[:]))
	})
	mux.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, name)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	httpSrv := &http.Server{Handler: mux}
	go httpSrv.Serve(listener)
	t.Cleanup(func() { httpSrv.Close() })

	return listener.Addr().String(), httpSrv
}

// newIntegrationServer builds a Server over httptest, configured with
// testDomain as the routing base and the given tokens/limits.
func newIntegrationServer(t *testing.T, tokens map[string]config.TokenConfig) (*httptest.Server, *server.Server) {
	t.Helper()

	cfg := &config.ServerConfig{
		Server: config.ServerSection{
			Domain:      testDomain,
			ControlPath: "/_tunnel/connect",
		},
		Tokens: tokens,
		Limits: config.LimitsConfig{
			RequestTimeoutSecs:    5,
			MaxRequestBodyBytes:   1 << 20,
			IdleTunnelTimeoutSecs: 0,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv, err := server.New(ctx, cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return ts, srv
}

// makeRequest issues an HTTP request against the test server's listener
// while overriding the Host header to exercise subdomain routing.
func makeRequest(method, tsURL, host string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, tsURL, body)
	if err != nil {
		return nil, err
	}
	req.Host = host
	req.Close = true

	httpClient := &http.Client{Timeout: 5 * time.Second}
	return httpClient.Do(req)
}

// waitForRegistration blocks until cli reports a TunnelURL or the timeout
// elapses.
func waitForRegistration(t *testing.T, cli *client.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cli.TunnelURL() != "" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("client did not register within timeout")
}

func TestTunnelIntegration(t *testing.T) {
	localAddr, _ := startLocalServer(t, "local-service")

	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{"test-token": {}})
	hostHeader := "test." + testDomain

	cli := client.New(ts.URL, localAddr).WithSubdomain("test").WithToken("test-token")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)
	waitForRegistration(t, cli, 2*time.Second)

	t.Run("basic GET request", func(t *testing.T) {
		resp, err := makeRequest("GET", ts.URL+"/", hostHeader, nil)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "Hello from local-service") {
			t.Errorf("unexpected response: %s", body)
		}
	})

	t.Run("POST with data", func(t *testing.T) {
		resp, err := makeRequest("POST", ts.URL+"/echo", hostHeader, strings.NewReader("test data"))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if string(body) != "test data" {
			t.Errorf("expected 'test data', got '%s'", body)
		}
	})

	t.Run("large payload", func(t *testing.T) {
		data := strings.Repeat("A", 10240)
		expectedHash := sha256.Sum256([]byte(data))

		resp, err := makeRequest("POST", ts.URL+"/hash", hostHeader, strings.NewReader(data))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "size=10240") {
			t.Errorf("unexpected size in response: %s", body)
		}
		if !strings.Contains(string(body), hex.EncodeToString(expectedHash[:])) {
			t.Errorf("hash mismatch in response: %s", body)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make(chan bool, 5)

		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				resp, err := makeRequest("GET", fmt.Sprintf("%s/?req=%d", ts.URL, n), hostHeader, nil)
				if err != nil {
					t.Logf("concurrent request %d failed: %v", n, err)
					results <- false
					return
				}
				defer resp.Body.Close()

				body, _ := io.ReadAll(resp.Body)
				results <- strings.Contains(string(body), "Hello from local-service")
			}(i)
		}

		wg.Wait()
		close(results)

		successCount := 0
		for success := range results {
			if success {
				successCount++
			}
		}
		if successCount != 5 {
			t.Errorf("only %d/5 concurrent requests succeeded", successCount)
		}
	})

	t.Run("request without subdomain gets landing page", func(t *testing.T) {
		resp, err := makeRequest("GET", ts.URL+"/", testDomain, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for base domain, got %d", resp.StatusCode)
		}
	})

	t.Run("request to unknown subdomain rejected", func(t *testing.T) {
		resp, err := makeRequest("GET", ts.URL+"/", "unknown."+testDomain, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", resp.StatusCode)
		}
	})

	t.Run("request body too large is rejected", func(t *testing.T) {
		resp, err := makeRequest("POST", ts.URL+"/echo", hostHeader, strings.NewReader(strings.Repeat("A", 2<<20)))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", resp.StatusCode)
		}
	})
}

func TestMultiClientRouting(t *testing.T) {
	localAddrA, _ := startLocalServer(t, "service-A")
	localAddrB, _ := startLocalServer(t, "service-B")

	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{"test-token": {}})

	hostA := "clienta." + testDomain
	hostB := "clientb." + testDomain

	clientA := client.New(ts.URL, localAddrA).WithSubdomain("clienta").WithToken("test-token")
	clientB := client.New(ts.URL, localAddrB).WithSubdomain("clientb").WithToken("test-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go clientA.Run(ctx)
	go clientB.Run(ctx)

	waitForRegistration(t, clientA, 2*time.Second)
	waitForRegistration(t, clientB, 2*time.Second)

	t.Run("route to client A", func(t *testing.T) {
		resp, err := makeRequest("GET", ts.URL+"/identity", hostA, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "service-A" {
			t.Errorf("expected 'service-A', got '%s'", body)
		}
	})

	t.Run("route to client B", func(t *testing.T) {
		resp, err := makeRequest("GET", ts.URL+"/identity", hostB, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "service-B" {
			t.Errorf("expected 'service-B', got '%s'", body)
		}
	})

	t.Run("alternating requests", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			host, expected := hostA, "service-A"
			if i%2 != 0 {
				host, expected = hostB, "service-B"
			}

			resp, err := makeRequest("GET", ts.URL+"/identity", host, nil)
			if err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if string(body) != expected {
				t.Errorf("request %d: expected '%s', got '%s'", i, expected, body)
			}
		}
	})

	t.Run("concurrent multi-client requests", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		errCount := 0

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()

				host, expected := hostA, "service-A"
				if n%2 != 0 {
					host, expected = hostB, "service-B"
				}

				resp, err := makeRequest("GET", ts.URL+"/identity", host, nil)
				if err != nil {
					mu.Lock()
					errCount++
					mu.Unlock()
					return
				}
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)

				if string(body) != expected {
					mu.Lock()
					errCount++
					mu.Unlock()
				}
			}(i)
		}

		wg.Wait()
		if errCount > 0 {
			t.Errorf("%d/20 requests failed or misrouted", errCount)
		}
	})
}

func TestClientGracefulShutdown(t *testing.T) {
	localAddr, _ := startLocalServer(t, "shutdown-service")
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{"test-token": {}})
	hostHeader := "shutdown." + testDomain

	ctx, cancel := context.WithCancel(context.Background())

	cli := client.New(ts.URL, localAddr).WithSubdomain("shutdown").WithToken("test-token")
	clientDone := make(chan error, 1)
	go func() { clientDone <- cli.Run(ctx) }()

	waitForRegistration(t, cli, 2*time.Second)

	resp, err := makeRequest("GET", ts.URL+"/", hostHeader, nil)
	if err != nil {
		t.Fatalf("request failed before shutdown: %v", err)
	}
	resp.Body.Close()

	cancel()

	select {
	case err := <-clientDone:
		if err != client.ErrShutdown {
			t.Errorf("expected ErrShutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("client did not shut down within timeout")
	}
}

func TestClientReconnection(t *testing.T) {
	localAddr, _ := startLocalServer(t, "reconnect-service")

	// Spin up the tunnel server after the client has already started trying
	// to connect, to exercise the client's reconnect-with-backoff path.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serverAddr := "http://" + listener.Addr().String()
	listener.Close() // free the port; the client's first dial(s) should fail here

	hostHeader := "reconnect." + testDomain

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := client.New(serverAddr, localAddr).
		WithSubdomain("reconnect").
		WithToken("test-token").
		WithBackoff(backoff.BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       0,
			MaxRetries:   10,
		})

	clientDone := make(chan error, 1)
	go func() { clientDone <- cli.RunWithReconnect(ctx) }()

	time.Sleep(300 * time.Millisecond)

	cfg := &config.ServerConfig{
		Server: config.ServerSection{Domain: testDomain, ControlPath: "/_tunnel/connect"},
		Tokens: map[string]config.TokenConfig{"test-token": {}},
		Limits: config.LimitsConfig{RequestTimeoutSecs: 5, MaxRequestBodyBytes: 1 << 20},
	}
	srv, err := server.New(ctx, cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	listener2, err := net.Listen("tcp", listener.Addr().String())
	if err != nil {
		t.Skipf("could not rebind %s, skipping reconnection test: %v", listener.Addr(), err)
	}
	httpSrv := &http.Server{Handler: srv}
	go httpSrv.Serve(listener2)
	defer httpSrv.Close()

	waitForRegistration(t, cli, 3*time.Second)

	resp, err := makeRequest("GET", serverAddr+"/", hostHeader, nil)
	if err != nil {
		t.Fatalf("request failed after client reconnection: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "reconnect-service") {
		t.Errorf("unexpected response: %s", body)
	}

	cancel()
	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Error("client did not shut down after reconnection test")
	}
}

func TestClientMaxRetriesExceeded(t *testing.T) {
	// Reserve and release a port so nothing is listening there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := "http://" + listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := client.New(addr, "127.0.0.1:1").
		WithBackoff(backoff.BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   1.5,
			Jitter:       0,
			MaxRetries:   3,
		})

	clientDone := make(chan error, 1)
	go func() { clientDone <- cli.RunWithReconnect(ctx) }()

	select {
	case err := <-clientDone:
		if err != client.ErrMaxRetriesExceeded {
			t.Errorf("expected ErrMaxRetriesExceeded, got: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("client did not exit after max retries")
	}
}

func TestClientNoReconnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := "http://" + listener.Addr().String()
	listener.Close()

	cli := client.New(addr, "127.0.0.1:1").WithReconnect(false)

	clientDone := make(chan error, 1)
	go func() { clientDone <- cli.RunWithReconnect(context.Background()) }()

	select {
	case err := <-clientDone:
		if err == client.ErrMaxRetriesExceeded {
			t.Error("client should not have retried with reconnect disabled")
		}
		if err == nil {
			t.Error("expected connection error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Error("client did not exit promptly with reconnect disabled")
	}
}

func TestAuthenticationRequired(t *testing.T) {
	localAddr, _ := startLocalServer(t, "auth-service")
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{
		"valid-key-1": {},
		"valid-key-2": {},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli := client.New(ts.URL, localAddr).WithSubdomain("notoken").WithReconnect(false)
	err := cli.Run(ctx)
	if err == nil {
		t.Fatal("expected authentication error, got nil")
	}
	if !strings.Contains(err.Error(), "permanent failure") {
		t.Errorf("expected a permanent-failure error, got: %v", err)
	}
}

func TestAuthenticationSuccess(t *testing.T) {
	localAddr, _ := startLocalServer(t, "auth-success-service")
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{
		"secret-key-123": {},
		"another-key":    {},
	})
	hostHeader := "authenticated." + testDomain

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := client.New(ts.URL, localAddr).
		WithSubdomain("authenticated").
		WithToken("secret-key-123").
		WithReconnect(false)

	clientDone := make(chan error, 1)
	go func() { clientDone <- cli.Run(ctx) }()

	waitForRegistration(t, cli, 2*time.Second)

	resp, err := makeRequest("GET", ts.URL+"/", hostHeader, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "auth-success-service") {
		t.Errorf("unexpected response: %s", body)
	}

	cancel()
	<-clientDone
}

func TestAuthenticationInvalidToken(t *testing.T) {
	localAddr, _ := startLocalServer(t, "auth-invalid-service")
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{
		"correct-key": {},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli := client.New(ts.URL, localAddr).
		WithSubdomain("wrongtoken").
		WithToken("wrong-key").
		WithReconnect(false)

	err := cli.Run(ctx)
	if err == nil {
		t.Fatal("expected authentication error, got nil")
	}
	if !strings.Contains(err.Error(), "permanent failure") {
		t.Errorf("expected a permanent-failure error, got: %v", err)
	}
}

func TestAuthenticationWithMultipleKeys(t *testing.T) {
	localAddr, _ := startLocalServer(t, "multi-key-service")
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{
		"key-alpha": {},
		"key-beta":  {},
		"key-gamma": {},
	})

	for i, key := range []string{"key-alpha", "key-beta", "key-gamma"} {
		t.Run(fmt.Sprintf("key_%d", i), func(t *testing.T) {
			subdomain := fmt.Sprintf("client%d", i)
			hostHeader := subdomain + "." + testDomain

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cli := client.New(ts.URL, localAddr).
				WithSubdomain(subdomain).
				WithToken(key).
				WithReconnect(false)

			go cli.Run(ctx)
			waitForRegistration(t, cli, 2*time.Second)

			resp, err := makeRequest("GET", ts.URL+"/identity", hostHeader, nil)
			if err != nil {
				t.Fatalf("request failed with key %s: %v", key, err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if !strings.Contains(string(body), "multi-key-service") {
				t.Errorf("unexpected response with key %s: %s", key, body)
			}
		})
	}
}

func TestMaxTunnelsPerTokenEnforced(t *testing.T) {
	localAddr, _ := startLocalServer(t, "limited-service")
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{
		"limited-key": {MaxTunnels: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := client.New(ts.URL, localAddr).WithSubdomain("first").WithToken("limited-key").WithReconnect(false)
	go first.Run(ctx)
	waitForRegistration(t, first, 2*time.Second)

	second := client.New(ts.URL, localAddr).WithSubdomain("second").WithToken("limited-key").WithReconnect(false)
	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer runCancel()

	err := second.Run(runCtx)
	if err == nil {
		t.Fatal("expected the second registration to be rejected")
	}
	if !strings.Contains(err.Error(), "permanent failure") {
		t.Errorf("expected a permanent-failure error, got: %v", err)
	}
}

func TestAdminSurfaceListsAndKillsTunnels(t *testing.T) {
	localAddr, _ := startLocalServer(t, "admin-service")
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{
		"admin-token": {Admin: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := client.New(ts.URL, localAddr).WithSubdomain("admintarget").WithToken("admin-token").WithReconnect(false)
	clientDone := make(chan error, 1)
	go func() { clientDone <- cli.Run(ctx) }()
	waitForRegistration(t, cli, 2*time.Second)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/_admin/tunnels", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list tunnels: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 listing tunnels, got %d", resp.StatusCode)
	}

	var listing struct {
		Tunnels []struct {
			Subdomain string `json:"subdomain"`
		} `json:"tunnels"`
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode tunnel list: %v", err)
	}
	if listing.Count != len(listing.Tunnels) {
		t.Errorf("count %d does not match tunnels length %d", listing.Count, len(listing.Tunnels))
	}
	found := false
	for _, s := range listing.Tunnels {
		if s.Subdomain == "admintarget" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected admintarget in tunnel list, got %+v", listing.Tunnels)
	}

	killReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/_admin/tunnels/admintarget", nil)
	killReq.Header.Set("Authorization", "Bearer admin-token")
	killResp, err := http.DefaultClient.Do(killReq)
	if err != nil {
		t.Fatalf("kill tunnel: %v", err)
	}
	killResp.Body.Close()
	if killResp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 killing tunnel, got %d", killResp.StatusCode)
	}

	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Error("killed client did not exit")
	}
}

func TestAdminSurfaceRejectsNonAdminToken(t *testing.T) {
	ts, _ := newIntegrationServer(t, map[string]config.TokenConfig{
		"plain-token": {},
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/_admin/tunnels", nil)
	req.Header.Set("Authorization", "Bearer plain-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list tunnels: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-admin token, got %d", resp.StatusCode)
	}
}
