package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qms/attendance-service/internal/attendance"
	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/worker"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const testTopology = `
finalize_emojis = ["👍"]

[branches.matriz]
display_name = "Matriz"
rooms = ["r1@g.us", "r2@g.us"]

[branches.filial]
rooms = ["r3@g.us"]

[rooms."r1@g.us"]
name = "Sala 1"

[rooms."r2@g.us"]
name = "Sala 2"

[rooms."r3@g.us"]
name = "Recepção"
`

type fakeQueue struct {
	submitFn func(batch attendance.Batch) (string, error)
}

func (f fakeQueue) Submit(batch attendance.Batch) (string, error) {
	if f.submitFn == nil {
		return batch.ID, nil
	}
	return f.submitFn(batch)
}

type fakeRooms map[string]attendance.ActiveTicket

func (f fakeRooms) Rooms() map[string]attendance.ActiveTicket {
	return f
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func newTestHandler(t *testing.T, queue BatchQueue, rooms RoomReader, db Pinger, hash string) *Handler {
	t.Helper()
	topo, err := config.ParseTopology(testTopology)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	return NewHandler(queue, rooms, db, topo, Options{IngressTokenHash: hash}, zaptest.NewLogger(t))
}

func mustHash(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(hash)
}

const batchBody = `{"type":"notify","messages":[{"id":"T1","chatId":"r1@g.us","text":"Ana - Gama"}]}`

func TestSubmitBatchAccepted(t *testing.T) {
	var got attendance.Batch
	queue := fakeQueue{submitFn: func(batch attendance.Batch) (string, error) {
		got = batch
		return "batch-1", nil
	}}
	h := newTestHandler(t, queue, fakeRooms{}, nil, mustHash(t, "secret"))

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(batchBody))
	req.Header.Set("Authorization", "Bearer secret")
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.Code)
	}
	var body acceptedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.BatchID != "batch-1" || body.Items != 1 {
		t.Fatalf("unexpected response %+v", body)
	}
	if got.Type != attendance.BatchTypeNotify || len(got.Items) != 1 || got.Items[0].ChatID != "r1@g.us" {
		t.Fatalf("unexpected batch %+v", got)
	}
}

func TestSubmitBatchUnauthorized(t *testing.T) {
	h := newTestHandler(t, fakeQueue{}, fakeRooms{}, nil, mustHash(t, "secret"))

	for _, header := range []string{"", "Bearer wrong", "Basic secret"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(batchBody))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp := httptest.NewRecorder()
		h.Routes().ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected status 401, got %d", header, resp.Code)
		}
	}
}

func TestSubmitBatchQueueFull(t *testing.T) {
	queue := fakeQueue{submitFn: func(batch attendance.Batch) (string, error) {
		return "batch-1", worker.ErrQueueFull
	}}
	h := newTestHandler(t, queue, fakeRooms{}, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(batchBody))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error.Code != "queue_full" {
		t.Fatalf("unexpected error %+v", body)
	}
}

func TestSubmitBatchInvalid(t *testing.T) {
	h := newTestHandler(t, fakeQueue{submitFn: func(batch attendance.Batch) (string, error) {
		return "", errors.New("unexpected submit")
	}}, fakeRooms{}, nil, "")

	cases := []struct {
		method string
		body   string
		status int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, "{", http.StatusBadRequest},
		{http.MethodPost, `{"messages":[]}`, http.StatusBadRequest},
	}
	for _, tt := range cases {
		req := httptest.NewRequest(tt.method, "/v1/batches", strings.NewReader(tt.body))
		resp := httptest.NewRecorder()
		h.Routes().ServeHTTP(resp, req)
		if resp.Code != tt.status {
			t.Fatalf("%s %q: expected status %d, got %d", tt.method, tt.body, tt.status, resp.Code)
		}
	}
}

func TestListRooms(t *testing.T) {
	rooms := fakeRooms{
		"r2@g.us": {TicketID: "T2", Text: "Bia - Delta"},
		"r1@g.us": {TicketID: "T1", Text: "Ana - Gama"},
		"r3@g.us": {TicketID: "T3", Text: "Caio - Epsilon"},
	}
	h := newTestHandler(t, fakeQueue{}, rooms, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/rooms?branch=matriz", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var body []roomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body) != 2 || body[0].RoomID != "r1@g.us" || body[0].Room != "Sala 1" || body[1].TicketID != "T2" {
		t.Fatalf("unexpected rooms %+v", body)
	}
}

func TestHealth(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range cases {
		h := newTestHandler(t, fakeQueue{}, fakeRooms{}, fakePinger{err: tt.err}, "")
		resp := httptest.NewRecorder()
		h.Routes().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if resp.Code != tt.status {
			t.Fatalf("ping err %v: expected status %d, got %d", tt.err, tt.status, resp.Code)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	l := newClientLimiter(60, 2)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !l.allow("10.0.0.1", now) || !l.allow("10.0.0.1", now) {
		t.Fatalf("burst should be allowed")
	}
	if l.allow("10.0.0.1", now) {
		t.Fatalf("third request should be limited")
	}
	if !l.allow("10.0.0.2", now) {
		t.Fatalf("other clients have their own bucket")
	}
	if !l.allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatalf("bucket should refill")
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	l := newClientLimiter(60, 2)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l.allow("10.0.0.1", now)
	l.allow("10.0.0.2", now)
	if got := l.tracked(); got != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", got)
	}

	l.allow("10.0.0.3", now.Add(3*time.Second))
	if got := l.tracked(); got != 1 {
		t.Fatalf("idle clients should be dropped, tracked %d", got)
	}
	if !l.allow("10.0.0.1", now.Add(3*time.Second)) || !l.allow("10.0.0.1", now.Add(3*time.Second)) {
		t.Fatalf("a forgotten client starts with a full burst")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 60, IPBurst: 1})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}
