package rpchttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
)

type dispatcherFunc func(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	return f(ctx, msg)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func echo(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if msg.Kind() == jsonrpc.KindNotification {
		return nil, nil
	}
	return jsonrpc.NewResultResponse(msg.ID, map[string]string{"method": msg.Method})
}

func post(t *testing.T, srv *httptest.Server, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		t.Fatalf("decode response %q: %v", data, err)
	}
	return msg
}

func TestRequestResponse(t *testing.T) {
	srv := httptest.NewServer(New(dispatcherFunc(echo), WithLogger(discardLogger())))
	defer srv.Close()

	resp, body := post(t, srv, "application/json", `{"jsonrpc":"2.0","method":"ping","id":7}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: want 200, got %d (%s)", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type: want application/json, got %q", ct)
	}

	msg := decode(t, body)
	if msg.Error != nil {
		t.Fatalf("unexpected error: %+v", msg.Error)
	}
	if got := msg.ID.String(); got != "7" {
		t.Fatalf("response id: want 7, got %q", got)
	}
	var result map[string]string
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["method"] != "ping" {
		t.Fatalf("result: want method ping, got %v", result)
	}
}

func TestNotificationAcknowledgedWithoutBody(t *testing.T) {
	srv := httptest.NewServer(New(dispatcherFunc(echo), WithLogger(discardLogger())))
	defer srv.Close()

	resp, body := post(t, srv, "application/json", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status: want 204, got %d", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Fatalf("body: want empty, got %q", body)
	}
}

func TestInvalidEnvelope(t *testing.T) {
	srv := httptest.NewServer(New(dispatcherFunc(echo), WithLogger(discardLogger())))
	defer srv.Close()

	for name, body := range map[string]string{
		"bad json":        `{{{`,
		"wrong version":   `{"jsonrpc":"1.0","method":"ping","id":1}`,
		"response posted": `{"jsonrpc":"2.0","result":{},"id":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, data := post(t, srv, "application/json", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status: want 400, got %d", resp.StatusCode)
			}
			msg := decode(t, data)
			if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
				t.Fatalf("want invalid-request error, got %+v", msg)
			}
			if !strings.Contains(string(data), "invalid_message_format") {
				t.Fatalf("want invalid_message_format tag, got %s", data)
			}
		})
	}
}

func TestDispatcherErrorBecomesJSONRPCError(t *testing.T) {
	failing := dispatcherFunc(func(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
		return nil, errors.New("backend exploded")
	})
	srv := httptest.NewServer(New(failing, WithLogger(discardLogger())))
	defer srv.Close()

	resp, data := post(t, srv, "application/json", `{"jsonrpc":"2.0","method":"ping","id":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: want 200, got %d", resp.StatusCode)
	}
	msg := decode(t, data)
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("want internal error, got %+v", msg)
	}
	if !strings.Contains(string(data), "request_processing") {
		t.Fatalf("want request_processing tag, got %s", data)
	}
}

func TestMalformedDispatcherResponseRejected(t *testing.T) {
	malformed := dispatcherFunc(func(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
		return &jsonrpc.Message{JSONRPCVersion: jsonrpc.Version, Method: "bogus", ID: msg.ID}, nil
	})
	srv := httptest.NewServer(New(malformed, WithLogger(discardLogger())))
	defer srv.Close()

	_, data := post(t, srv, "application/json", `{"jsonrpc":"2.0","method":"ping","id":1}`)
	if !strings.Contains(string(data), "response_validation") {
		t.Fatalf("want response_validation tag, got %s", data)
	}
}

func TestContentTypeEnforced(t *testing.T) {
	srv := httptest.NewServer(New(dispatcherFunc(echo), WithLogger(discardLogger())))
	defer srv.Close()

	resp, _ := post(t, srv, "text/plain", `{"jsonrpc":"2.0","method":"ping","id":1}`)
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status: want 415, got %d", resp.StatusCode)
	}
}

func TestMethodEnforced(t *testing.T) {
	srv := httptest.NewServer(New(dispatcherFunc(echo), WithLogger(discardLogger())))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status: want 405, got %d", resp.StatusCode)
	}
}
