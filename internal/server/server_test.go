package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/grouprelay/relay-server/internal/bridge"
	"github.com/grouprelay/relay-server/internal/config"
	"github.com/grouprelay/relay-server/internal/relay"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.Service) {
	t.Helper()
	svc, err := relay.New(bridge.NewLoopbackBus(), "test")
	if err != nil {
		t.Fatalf("relay.New failed: %v", err)
	}

	cfg := config.Default()
	cfg.Relay.KeepAliveInterval = "50ms"
	s := New(cfg, svc)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})
	return ts, svc
}

// openStream connects an SSE client. It returns a channel of stream
// lines fed by a single reader goroutine, and a disconnect func. The
// lines channel closes when the server ends the response.
func openStream(t *testing.T, baseURL, path string) (chan string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("stream request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	return lines, func() {
		cancel()
		resp.Body.Close()
	}
}

// readFrame collects lines until a blank frame terminator.
func readFrame(t *testing.T, lines chan string) []string {
	t.Helper()
	var frame []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed mid-frame")
			}
			if line == "\n" {
				return frame
			}
			// Keep-alive comments are single lines, not framed events.
			if strings.HasPrefix(line, ":") {
				continue
			}
			frame = append(frame, strings.TrimSuffix(line, "\n"))
		case <-deadline:
			t.Fatalf("timed out reading frame, have %v", frame)
		}
	}
}

func publish(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/publish", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("publish request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitForSubscriber(t *testing.T, svc *relay.Service, group string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.GetLocalSubscriberCount(group) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no subscriber appeared for %s", group)
}

func TestStreamReceivesPublishedEvent(t *testing.T) {
	ts, svc := newTestServer(t)

	r, done := openStream(t, ts.URL, "/events/g1")
	defer done()

	frame := readFrame(t, r)
	if len(frame) != 1 || !strings.HasPrefix(frame[0], "retry: ") {
		t.Fatalf("first frame = %v, want retry directive", frame)
	}

	waitForSubscriber(t, svc, "g1")

	resp := publish(t, ts, `{"group":"g1","kind":"greeting","data":"A"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}

	frame = readFrame(t, r)
	want := []string{"id: 1", "event: greeting", `data: "A"`}
	if len(frame) != 3 || frame[0] != want[0] || frame[1] != want[1] || frame[2] != want[2] {
		t.Errorf("data frame = %v, want %v", frame, want)
	}
}

func TestPublishValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"no mode", `{"kind":"k","data":1}`, http.StatusBadRequest},
		{"two modes", `{"group":"g","broadcast":true,"kind":"k"}`, http.StatusBadRequest},
		{"sentinel group", `{"group":"*","kind":"k"}`, http.StatusBadRequest},
		{"garbage", `{]`, http.StatusBadRequest},
		{"ok group", `{"group":"g","kind":"k","data":{}}`, http.StatusAccepted},
		{"ok groups", `{"groups":["a","b"],"kind":"k"}`, http.StatusAccepted},
		{"ok broadcast", `{"broadcast":true,"kind":"k"}`, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := publish(t, ts, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestEventsPathValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/events/", "/events/*", "/events/a/b"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, svc := newTestServer(t)

	r, done := openStream(t, ts.URL, "/events/watched")
	defer done()
	readFrame(t, r) // retry preamble
	waitForSubscriber(t, svc, "watched")

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var snap struct {
		GroupCount      int            `json:"group_count"`
		SubscriberCount int            `json:"subscriber_count"`
		Groups          map[string]int `json:"groups"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.GroupCount != 1 || snap.SubscriberCount != 1 || snap.Groups["watched"] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDisconnectCleansUpSubscriber(t *testing.T) {
	ts, svc := newTestServer(t)

	r, done := openStream(t, ts.URL, "/events/g1")
	readFrame(t, r)
	waitForSubscriber(t, svc, "g1")

	done()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.GetLocalSubscriberCount("g1") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber leaked after disconnect: %d", svc.GetLocalSubscriberCount("g1"))
}

func TestKindFilterOverHTTP(t *testing.T) {
	ts, svc := newTestServer(t)

	r, done := openStream(t, ts.URL, "/events/g1?kind=wanted")
	defer done()
	readFrame(t, r)
	waitForSubscriber(t, svc, "g1")

	publish(t, ts, `{"group":"g1","kind":"other","data":1}`)
	publish(t, ts, `{"group":"g1","kind":"wanted","data":2}`)

	frame := readFrame(t, r)
	want := []string{"id: 1", "event: wanted", "data: 2"}
	if len(frame) != 3 || frame[0] != want[0] || frame[1] != want[1] || frame[2] != want[2] {
		t.Errorf("frame = %v, want %v", frame, want)
	}
}

// TestStopCancelsStreamingSessions drives the real *http.Server rather
// than the bare mux, so the base-context wiring that ends sessions on
// shutdown is what gets exercised.
func TestStopCancelsStreamingSessions(t *testing.T) {
	svc, err := relay.New(bridge.NewLoopbackBus(), "test")
	if err != nil {
		t.Fatalf("relay.New failed: %v", err)
	}
	defer svc.Close()

	s := New(config.Default(), svc)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.httpServer.Serve(ln)

	r, disconnect := openStream(t, "http://"+ln.Addr().String(), "/events/g1")
	defer disconnect()
	readFrame(t, r) // retry preamble
	waitForSubscriber(t, svc, "g1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.GetLocalSubscriberCount("g1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber leaked after Stop: %d", svc.GetLocalSubscriberCount("g1"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	for {
		select {
		case _, ok := <-r:
			if !ok {
				return // server ended the response
			}
		case <-time.After(2 * time.Second):
			t.Fatal("stream still open after Stop")
		}
	}
}

func TestPublishCompactsPrettyData(t *testing.T) {
	ts, svc := newTestServer(t)

	r, done := openStream(t, ts.URL, "/events/g1")
	defer done()
	readFrame(t, r)
	waitForSubscriber(t, svc, "g1")

	body := "{\"group\":\"g1\",\"kind\":\"k\",\"data\":{\n  \"a\": 1,\n\n  \"b\": 2\n}}"
	resp := publish(t, ts, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}

	frame := readFrame(t, r)
	want := []string{"id: 1", "event: k", `data: {"a":1,"b":2}`}
	if len(frame) != 3 || frame[0] != want[0] || frame[1] != want[1] || frame[2] != want[2] {
		t.Errorf("frame = %v, want %v", frame, want)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}
