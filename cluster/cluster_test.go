package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/glyphnet/glyphnet/messaging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Loopback host names keep the in-process instances reachable through real
// HTTP, which is the only way instances are allowed to talk to each other.
func twoHostConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{Hosts: []HostConfig{
		{Name: "localhost", Port: 0, StorageDSN: "memory://", KeyDir: t.TempDir()},
		{Name: "127.0.0.1", Port: 0, StorageDSN: "memory://", KeyDir: t.TempDir()},
	}}
}

func runCluster(t *testing.T, cfg *Config) (*Cluster, []Result) {
	t.Helper()
	c, results := Run(context.Background(), cfg, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, results
}

func TestRunStartsAllInstances(t *testing.T) {
	c, results := runCluster(t, twoHostConfig(t))
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("host %q failed to start: %v", res.Config.Name, res.Err)
		}
	}
	if len(c.Instances()) != 2 {
		t.Fatalf("%d instances running", len(c.Instances()))
	}

	for _, in := range c.Instances() {
		resp, err := http.Get("http://" + in.Host + "/healthz")
		if err != nil {
			t.Fatalf("healthz %s: %v", in.Host, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("healthz %s: status %d", in.Host, resp.StatusCode)
		}
	}
}

func TestRunIsolatesStartupFailures(t *testing.T) {
	cfg := twoHostConfig(t)
	cfg.Hosts[0].StorageDSN = "bogus://nope"

	c, results := runCluster(t, cfg)
	if results[0].Err == nil {
		t.Fatal("bogus DSN should fail the first host")
	}
	if results[1].Err != nil {
		t.Fatalf("second host dragged down: %v", results[1].Err)
	}
	if len(c.Instances()) != 1 {
		t.Fatalf("%d instances running, want 1", len(c.Instances()))
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	c, results := runCluster(t, twoHostConfig(t))
	for _, res := range results {
		if res.Err != nil {
			t.Fatal(res.Err)
		}
	}
	a, b := c.Instances()[0], c.Instances()[1]

	if a.Ring.ActiveKID() == b.Ring.ActiveKID() {
		t.Error("instances share a signing key")
	}

	// An entity written on one instance is invisible on the other.
	ctx := context.Background()
	srv, err := a.Messaging.CreateServer(ctx, "only-on-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Messaging.GetServer(ctx, srv.ID); err == nil {
		t.Error("instance B can read instance A's records")
	}
}

// TestFederatedMessageFlow drives the full cross-host path over real HTTP:
// a user signs up on A, a channel is created on B, A forwards the post with
// a federation token, and B accepts it as the authoritative host.
func TestFederatedMessageFlow(t *testing.T) {
	c, results := runCluster(t, twoHostConfig(t))
	for _, res := range results {
		if res.Err != nil {
			t.Fatal(res.Err)
		}
	}
	hostA, hostB := c.Instances()[0], c.Instances()[1]
	baseA := "http://" + hostA.Host

	// alice signs up and logs in on A.
	signupBody, _ := json.Marshal(map[string]string{"name": "alice", "password": "pw"})
	resp, err := http.Post(baseA+"/auth/signup", "application/json", bytes.NewReader(signupBody))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status %d", resp.StatusCode)
	}

	form := url.Values{"grant_type": {"password"}, "username": {"alice"}, "password": {"pw"}}
	resp, err = http.PostForm(baseA+"/auth/token", form)
	if err != nil {
		t.Fatal(err)
	}
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if pair.AccessToken == "" {
		t.Fatal("empty access token")
	}

	// B hosts the server and channel.
	ctx := context.Background()
	srv, err := hostB.Messaging.CreateServer(ctx, "general", "")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := hostB.Messaging.CreateChannel(ctx, srv.ID, "random")
	if err != nil {
		t.Fatal(err)
	}

	// alice posts through A's client API; A federates to B.
	postBody, _ := json.Marshal(map[string]any{
		"channel": ch.ID,
		"body":    "hello across hosts",
	})
	req, _ := http.NewRequest(http.MethodPost, baseA+"/api/messages", bytes.NewReader(postBody))
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(resp.Body)
		t.Fatalf("federated post status %d: %s", resp.StatusCode, snippet)
	}
	var msg messaging.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(msg.Author.String(), "@"+hostA.Host) {
		t.Errorf("author %s not homed at A", msg.Author)
	}
	if msg.ID.Host != hostB.Host {
		t.Errorf("message homed at %q, want B (%q)", msg.ID.Host, hostB.Host)
	}

	// The authoritative copy is on B.
	msgs, err := hostB.Messaging.ListMessages(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello across hosts" {
		t.Fatalf("B's channel listing: %+v", msgs)
	}
}

func TestShutdownStopsListeners(t *testing.T) {
	cfg := &Config{Hosts: []HostConfig{
		{Name: "localhost", Port: 0, StorageDSN: "memory://", KeyDir: t.TempDir()},
	}}
	c, results := Run(context.Background(), cfg, testLogger())
	if results[0].Err != nil {
		t.Fatal(results[0].Err)
	}
	addr := c.Instances()[0].Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get(fmt.Sprintf("http://%s/healthz", addr)); err == nil {
		t.Error("listener still serving after shutdown")
	}
}
