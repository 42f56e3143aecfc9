package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeValidMessages(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind MessageKind
	}{
		{"request with string id", `{"jsonrpc":"2.0","method":"tools/list","id":"a1"}`, KindRequest},
		{"request with numeric id", `{"jsonrpc":"2.0","method":"ping","id":7}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","result":{"ok":true},"id":1}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope"},"id":1}`, KindResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if got := msg.Kind(); got != tc.kind {
				t.Fatalf("want kind %q, got %q", tc.kind, got)
			}
		})
	}
}

func TestDecodeRejectsMalformedMessages(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"not json", `{`, "unexpected end of JSON input"},
		{"missing version", `{"method":"ping","id":1}`, "invalid JSON-RPC version"},
		{"wrong version", `{"jsonrpc":"1.0","method":"ping","id":1}`, "invalid JSON-RPC version"},
		{"request with result", `{"jsonrpc":"2.0","method":"ping","result":{},"id":1}`, "cannot carry result or error"},
		{"response with both", `{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"x"},"id":1}`, "both result and error"},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`, "either a result or an error"},
		{"boolean id", `{"jsonrpc":"2.0","method":"ping","id":true}`, "must be a string or number"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.in)); err == nil {
				t.Fatalf("want decode error containing %q, got nil", tc.wantErr)
			} else if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	t.Run("integer id keeps integral form", func(t *testing.T) {
		var id RequestID
		if err := json.Unmarshal([]byte(`42`), &id); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		out, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(out) != "42" {
			t.Fatalf("want 42, got %s", out)
		}
	})

	t.Run("string id survives", func(t *testing.T) {
		var id RequestID
		if err := json.Unmarshal([]byte(`"init-abc"`), &id); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if id.String() != "init-abc" {
			t.Fatalf("want init-abc, got %q", id.String())
		}
	})
}

func TestRequestIDEqual(t *testing.T) {
	if !NewRequestID(int64(1)).Equal(NewRequestID(float64(1))) {
		t.Fatal("numeric ids with equal value should match")
	}
	if NewRequestID("1").Equal(nil) {
		t.Fatal("present id should not match absent id")
	}
	var absent *RequestID
	if !absent.Equal(nil) {
		t.Fatal("two absent ids should match")
	}
}

func TestValidateResponse(t *testing.T) {
	reqID := NewRequestID("r1")

	t.Run("accepts matching result response", func(t *testing.T) {
		resp, err := NewResultResponse(reqID, map[string]bool{"ok": true})
		if err != nil {
			t.Fatalf("build response: %v", err)
		}
		if err := resp.ValidateResponse(reqID); err != nil {
			t.Fatalf("want valid, got %v", err)
		}
	})

	t.Run("rejects id mismatch", func(t *testing.T) {
		resp := NewErrorResponse(NewRequestID("other"), ErrorCodeInternalError, "boom", nil)
		if err := resp.ValidateResponse(reqID); err == nil {
			t.Fatal("want id mismatch error, got nil")
		}
	})

	t.Run("rejects request-shaped message", func(t *testing.T) {
		req, err := NewRequest(reqID, "ping", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		if err := req.ValidateResponse(reqID); err == nil {
			t.Fatal("want method-field error, got nil")
		}
	})
}
