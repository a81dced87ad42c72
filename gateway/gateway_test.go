package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johanste/lightningapi/auth"
	"github.com/johanste/lightningapi/notify"
	"github.com/johanste/lightningapi/redirect"
	"github.com/johanste/lightningapi/registry"
	"github.com/johanste/lightningapi/registry/memoryregistry"
	"github.com/johanste/lightningapi/tracker"
)

func newTestServer(t *testing.T, reg registry.Registry, opts ...Option) *httptest.Server {
	t.Helper()
	h, err := New(reg, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func connectURL(srv *httptest.Server, subject string) string {
	return fmt.Sprintf("ws%s%s?source=%s&eventTypes=%s&subject=%s",
		strings.TrimPrefix(srv.URL, "http"),
		ConnectPath,
		notify.QuerySource,
		notify.TypeOperationCompletion,
		subject,
	)
}

func dial(t *testing.T, srv *httptest.Server, subject string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(connectURL(srv, subject), nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitForListeners(t *testing.T, reg registry.Registry, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ls, err := reg.ListenersFor(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("listeners: %v", err)
		}
		if len(ls) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener count never reached %d (have %d)", want, len(ls))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn, timeout time.Duration) notify.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	mt, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", mt)
	}
	env, err := notify.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestConnectSubscribeFulfil(t *testing.T) {
	reg := memoryregistry.New()
	tr := tracker.New(reg)
	srv := newTestServer(t, reg)

	ws := dial(t, srv, "sub-1/S1")
	waitForListeners(t, reg, "S1", 1)

	ctx := context.Background()
	if err := reg.AddSubscription(ctx, "S1", "N1"); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := tr.Fulfil(ctx, notify.CompletionEvent{
		SessionID:      "S1",
		NotificationID: "N1",
		OperationURL:   "https://management.example/operations/op-1",
	}); err != nil {
		t.Fatalf("fulfil: %v", err)
	}

	env := readEnvelope(t, ws, 2*time.Second)
	if !strings.Contains(env.Subject, "S1") {
		t.Fatalf("subject %q does not reference session", env.Subject)
	}
	if env.Data.SubscriptionNotificationID != "N1" {
		t.Fatalf("notification id: %q", env.Data.SubscriptionNotificationID)
	}
	if env.Type != notify.TypeOperationCompletion {
		t.Fatalf("type: %q", env.Type)
	}
}

func TestFanOutToTwoListeners(t *testing.T) {
	reg := memoryregistry.New()
	tr := tracker.New(reg)
	srv := newTestServer(t, reg)

	ws1 := dial(t, srv, "sub-2/S2")
	ws2 := dial(t, srv, "sub-2/S2")
	waitForListeners(t, reg, "S2", 2)

	if err := tr.Fulfil(context.Background(), notify.CompletionEvent{
		SessionID:      "S2",
		NotificationID: "N2",
		OperationURL:   "https://management.example/operations/op-2",
	}); err != nil {
		t.Fatalf("fulfil: %v", err)
	}

	for i, ws := range []*websocket.Conn{ws1, ws2} {
		env := readEnvelope(t, ws, 2*time.Second)
		if env.Data.SubscriptionNotificationID != "N2" {
			t.Fatalf("listener %d: notification id %q", i, env.Data.SubscriptionNotificationID)
		}
	}
}

func TestDisconnectReleasesListener(t *testing.T) {
	reg := memoryregistry.New()
	srv := newTestServer(t, reg)

	ws := dial(t, srv, "sub-3/S3")
	waitForListeners(t, reg, "S3", 1)

	_ = ws.Close()
	waitForListeners(t, reg, "S3", 0)
}

func TestProtocolViolationsRejected(t *testing.T) {
	reg := memoryregistry.New()
	srv := newTestServer(t, reg)

	cases := []struct {
		name  string
		query string
	}{
		{"missing subject", "source=" + notify.QuerySource + "&eventTypes=" + notify.TypeOperationCompletion},
		{"malformed subject", "source=" + notify.QuerySource + "&eventTypes=" + notify.TypeOperationCompletion + "&subject=nosep"},
		{"wrong source", "source=com.example.other&eventTypes=" + notify.TypeOperationCompletion + "&subject=sub/S1"},
		{"wrong event types", "source=" + notify.QuerySource + "&eventTypes=com.example.other&subject=sub/S1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + ConnectPath + "?" + tc.query)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status: %d", resp.StatusCode)
			}
		})
	}

	// No session state was created by any rejected request.
	ls, err := reg.ListenersFor(context.Background(), "S1")
	if err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if len(ls) != 0 {
		t.Fatalf("rejected requests created listeners: %d", len(ls))
	}
}

// redirectAlways steers every attempt to the same location, simulating a
// peer that keeps bouncing the client.
func redirectAlways(location string) redirect.Resolver {
	return redirect.ResolverFunc(func(ctx context.Context, att redirect.Attempt) (redirect.Decision, error) {
		return redirect.RedirectTo(location), nil
	})
}

func TestRedirectCarriesLocationAndHops(t *testing.T) {
	reg := memoryregistry.New()
	srv := newTestServer(t, reg, WithResolver(redirectAlways("https://peer.example/notifications")))

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	req, _ := http.NewRequest("GET", srv.URL+ConnectPath+"?source="+notify.QuerySource+"&eventTypes="+notify.TypeOperationCompletion+"&subject=sub/S1", nil)
	req.Header.Set(redirect.HopsHeader, "3")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc.Host != "peer.example" || loc.Path != ConnectPath {
		t.Fatalf("location target: %q", loc.String())
	}
	// The client follows Location verbatim, so the connect query must survive
	// the hop or the peer rejects the attempt.
	q := loc.Query()
	if q.Get("source") != notify.QuerySource || q.Get("subject") != "sub/S1" {
		t.Fatalf("location dropped the connect query: %q", loc.String())
	}
	if hops := resp.Header.Get(redirect.HopsHeader); hops != "4" {
		t.Fatalf("hop count did not increase: %q", hops)
	}
}

func TestRedirectFollowedToPeerConnects(t *testing.T) {
	regB := memoryregistry.New()
	srvB := newTestServer(t, regB)

	regA := memoryregistry.New()
	srvA := newTestServer(t, regA, WithResolver(redirectAlways(srvB.URL+ConnectPath)))

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srvA.URL + ConnectPath + "?source=" + notify.QuerySource + "&eventTypes=" + notify.TypeOperationCompletion + "&subject=sub-r/SR")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	// Follow Location verbatim, as the client does, and dial the peer there.
	wsURL := "ws" + strings.TrimPrefix(resp.Header.Get("Location"), "http")
	hdr := http.Header{}
	hdr.Set(redirect.HopsHeader, resp.Header.Get(redirect.HopsHeader))
	ws, dresp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatalf("dial redirected target: %v (resp=%v)", err, dresp)
	}
	t.Cleanup(func() { _ = ws.Close() })
	waitForListeners(t, regB, "SR", 1)

	if err := tracker.New(regB).Fulfil(context.Background(), notify.CompletionEvent{
		SessionID:      "SR",
		NotificationID: "NR",
		OperationURL:   "https://management.example/operations/op-r",
	}); err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	env := readEnvelope(t, ws, 2*time.Second)
	if env.Data.SubscriptionNotificationID != "NR" {
		t.Fatalf("notification id: %q", env.Data.SubscriptionNotificationID)
	}
}

func TestRedirectLimitFailsClosed(t *testing.T) {
	reg := memoryregistry.New()
	srv := newTestServer(t, reg, WithResolver(redirectAlways("https://peer.example/notifications")))

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	target := srv.URL + ConnectPath + "?source=" + notify.QuerySource + "&eventTypes=" + notify.TypeOperationCompletion + "&subject=sub/S1"

	// Follow the redirect chain the way a conforming client would; the
	// eleventh attempt must fail explicitly, never redirect again.
	hops := 0
	finalStatus := 0
	for attempt := 0; attempt < 12; attempt++ {
		req, _ := http.NewRequest("GET", target, nil)
		if hops > 0 {
			req.Header.Set(redirect.HopsHeader, strconv.Itoa(hops))
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusTemporaryRedirect {
			n, err := strconv.Atoi(resp.Header.Get(redirect.HopsHeader))
			if err != nil {
				t.Fatalf("hop header on redirect: %v", err)
			}
			if n != hops+1 {
				t.Fatalf("hop count must strictly increase: %d -> %d", hops, n)
			}
			hops = n
			continue
		}
		finalStatus = resp.StatusCode
		break
	}

	if hops != redirect.MaxHops {
		t.Fatalf("expected failure after exactly %d hops, stopped at %d", redirect.MaxHops, hops)
	}
	if finalStatus != http.StatusMisdirectedRequest {
		t.Fatalf("expected explicit error status, got %d", finalStatus)
	}
}

func TestAuthorizerGatesConnect(t *testing.T) {
	reg := memoryregistry.New()
	srv := newTestServer(t, reg, WithAuthorizer(auth.AuthorizerFunc(
		func(ctx context.Context, r *http.Request, subject notify.Subject) error {
			if subject.SubscriptionID == "allowed" {
				return nil
			}
			return auth.ErrUnauthorized
		},
	)))

	if _, resp, err := websocket.DefaultDialer.Dial(connectURL(srv, "denied/S1"), nil); err == nil {
		t.Fatal("expected handshake rejection")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}

	dial(t, srv, "allowed/S1")
	waitForListeners(t, reg, "S1", 1)
}
