package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johanste/lightningapi/registry/memoryregistry"
)

func asyncOnPost(r *http.Request) bool { return r.Method == http.MethodPost }

func TestSubscribeMiddlewareAcknowledgesAsyncRequests(t *testing.T) {
	reg := memoryregistry.New()
	mw := SubscribeMiddleware(reg, asyncOnPost, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/deployments", strings.NewReader("{}"))
	req.Header.Set(SessionIDHeader, "S1")
	req.Header.Set(NotificationIDHeader, "N1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(ResultHeader); got != ResultAccepted {
		t.Fatalf("result header: %q", got)
	}

	ok, err := reg.HasSubscription(context.Background(), "S1", "N1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !ok {
		t.Fatal("subscription not recorded")
	}
}

func TestSubscribeMiddlewareIgnoresSynchronousRequests(t *testing.T) {
	reg := memoryregistry.New()
	mw := SubscribeMiddleware(reg, asyncOnPost, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// GET is synchronous under the test predicate; even with notification
	// headers present, no acknowledgment is given.
	req := httptest.NewRequest(http.MethodGet, "/subscriptions/sub-1/deployments/d1", nil)
	req.Header.Set(SessionIDHeader, "S1")
	req.Header.Set(NotificationIDHeader, "N1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(ResultHeader); got != "" {
		t.Fatalf("synchronous request acknowledged: %q", got)
	}

	ok, err := reg.HasSubscription(context.Background(), "S1", "N1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("synchronous request recorded a subscription")
	}
}

func TestSubscribeMiddlewareIgnoresRequestsWithoutHeaders(t *testing.T) {
	reg := memoryregistry.New()
	mw := SubscribeMiddleware(reg, asyncOnPost, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/deployments", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(ResultHeader); got != "" {
		t.Fatalf("headerless request acknowledged: %q", got)
	}
}

func TestSubscribeMiddlewarePassesRequestThrough(t *testing.T) {
	reg := memoryregistry.New()
	mw := SubscribeMiddleware(reg, asyncOnPost, nil)
	var sawBody bool
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawBody = true
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/deployments", strings.NewReader("{}"))
	req.Header.Set(SessionIDHeader, "S1")
	req.Header.Set(NotificationIDHeader, "N1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !sawBody {
		t.Fatal("wrapped handler never ran")
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}
}
