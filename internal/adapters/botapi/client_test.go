package botapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
)

// testClient направляет клиента в подставной Bot API.
func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("123:abc", 100, time.Second)
	c.baseURL = srv.URL + "/bot123:abc/"
	return c
}

func TestCall_OKEnvelope(t *testing.T) {
	t.Parallel()

	var gotPayload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/bot123:abc/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"chat":{"id":7}}}`)
	})
	c := testClient(t, mux)

	var msg Message
	if err := c.call(context.Background(), c.client, "sendMessage", map[string]any{
		"chat_id":    int64(7),
		"text":       "привет",
		"parse_mode": "HTML",
	}, &msg); err != nil {
		t.Fatalf("call() error = %v", err)
	}
	if msg.MessageID != 42 || msg.Chat.ID != 7 {
		t.Errorf("result = %+v", msg)
	}
	if gotPayload["parse_mode"] != "HTML" || gotPayload["chat_id"] != float64(7) {
		t.Errorf("payload = %v", gotPayload)
	}
}

func TestCall_APIError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		status        int
		body          string
		wantCode      int
		wantPermanent bool
		wantRetry     time.Duration
	}{
		{
			name:          "400 — постоянная",
			status:        http.StatusBadRequest,
			body:          `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			wantCode:      400,
			wantPermanent: true,
		},
		{
			name:      "429 с retry_after — временная",
			status:    http.StatusTooManyRequests,
			body:      `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`,
			wantCode:  429,
			wantRetry: 3 * time.Second,
		},
		{
			name:     "5xx — временная",
			status:   http.StatusBadGateway,
			body:     `{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
			wantCode: 502,
		},
		{
			name:     "не-JSON тело",
			status:   http.StatusServiceUnavailable,
			body:     `<html>maintenance</html>`,
			wantCode: 503,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))

			err := c.call(context.Background(), c.client, "sendMessage", map[string]any{}, nil)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("call() error = %v, want *APIError", err)
			}
			if apiErr.Code != tc.wantCode {
				t.Errorf("Code = %d, want %d", apiErr.Code, tc.wantCode)
			}
			if apiErr.Permanent != tc.wantPermanent {
				t.Errorf("Permanent = %v, want %v", apiErr.Permanent, tc.wantPermanent)
			}
			if apiErr.StopRetry() != tc.wantPermanent {
				t.Errorf("StopRetry() = %v, want %v", apiErr.StopRetry(), tc.wantPermanent)
			}
			if apiErr.Retry != tc.wantRetry {
				t.Errorf("Retry = %v, want %v", apiErr.Retry, tc.wantRetry)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		code  int
		desc  string
		retry time.Duration
		want  bool
	}{
		{name: "403 forbidden", code: 403, desc: "bot was blocked by the user", want: true},
		{name: "429", code: 429, desc: "Too Many Requests", want: false},
		{name: "4xx с retry after в тексте", code: 400, desc: "flood control: retry after 5", want: false},
		{name: "4xx с retry_after параметром", code: 420, desc: "x", retry: time.Second, want: false},
		{name: "500", code: 500, desc: "internal", want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isPermanent(tc.code, tc.desc, tc.retry); got != tc.want {
				t.Errorf("isPermanent(%d, %q, %v) = %v, want %v", tc.code, tc.desc, tc.retry, got, tc.want)
			}
		})
	}
}

func TestRetryAfterExtractor(t *testing.T) {
	t.Parallel()

	extract := RetryAfterExtractor()

	if _, ok := extract(nil); ok {
		t.Error("nil не должен давать паузу")
	}
	if _, ok := extract(errors.New("plain")); ok {
		t.Error("посторонняя ошибка не должна давать паузу")
	}
	if _, ok := extract(&APIError{Code: 400}); ok {
		t.Error("APIError без retry_after не должен давать паузу")
	}
	wrapped := errors.Wrap(&APIError{Code: 429, Retry: 4 * time.Second}, "send")
	got, ok := extract(wrapped)
	if !ok || got != 4*time.Second {
		t.Errorf("extract() = %v, %v; want 4s через обёртку", got, ok)
	}
}

func TestGetUpdates(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/bot123:abc/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["offset"] != float64(100) {
			t.Errorf("offset = %v, want 100", payload["offset"])
		}
		fmt.Fprint(w, `{"ok":true,"result":[
			{"update_id":100,"message":{"message_id":1,"chat":{"id":5,"type":"private"},"text":"/start"}},
			{"update_id":101,"callback_query":{"id":"cb1","data":"set:dur:10"}}
		]}`)
	})
	c := testClient(t, mux)

	updates, err := c.GetUpdates(context.Background(), 100, time.Second, []string{"message", "callback_query"})
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(updates))
	}
	if updates[0].Message == nil || updates[0].Message.Text != "/start" {
		t.Errorf("updates[0] = %+v", updates[0])
	}
	if updates[1].CallbackQuery == nil || updates[1].CallbackQuery.Data != "set:dur:10" {
		t.Errorf("updates[1] = %+v", updates[1])
	}
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/file/bot123:abc/photos/file_1.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xFF, 0xD8})
	})
	c := testClient(t, mux)

	data, err := c.DownloadFile(context.Background(), "photos/file_1.jpg")
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if len(data) != 2 || data[0] != 0xFF {
		t.Errorf("data = %v", data)
	}

	if _, err := c.DownloadFile(context.Background(), "missing.jpg"); err == nil {
		t.Error("404 должен превращаться в ошибку")
	}
}

func TestSendChatAction(t *testing.T) {
	t.Parallel()

	var gotPayload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/bot123:abc/sendChatAction", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	})
	c := testClient(t, mux)
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	if err := c.SendChatAction(context.Background(), 7, "typing"); err != nil {
		t.Fatalf("SendChatAction() error = %v", err)
	}
	if gotPayload["chat_id"] != float64(7) || gotPayload["action"] != "typing" {
		t.Errorf("payload = %v", gotPayload)
	}
}
