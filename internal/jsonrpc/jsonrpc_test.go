package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantCode ErrorCode
		notify   bool
		idKey    string
	}{
		{name: "request numeric id", in: `{"jsonrpc":"2.0","id":7,"method":"ping"}`, idKey: "7"},
		{name: "request string id", in: `{"jsonrpc":"2.0","id":"a-1","method":"ping"}`, idKey: `"a-1"`},
		{name: "big id kept exact", in: `{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`, idKey: "9007199254740993"},
		{name: "notification", in: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, notify: true},
		{name: "null id is a notification", in: `{"jsonrpc":"2.0","id":null,"method":"notifications/cancelled"}`, notify: true},
		{name: "batch", in: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, wantCode: CodeInvalidRequest},
		{name: "bad json", in: `{"jsonrpc":`, wantCode: CodeParseError},
		{name: "wrong version", in: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantCode: CodeInvalidRequest},
		{name: "response", in: `{"jsonrpc":"2.0","id":1,"result":{}}`, wantCode: CodeInvalidRequest},
		{name: "object id", in: `{"jsonrpc":"2.0","id":{},"method":"ping"}`, wantCode: CodeInvalidRequest},
		{name: "empty", in: ` `, wantCode: CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Decode([]byte(tt.in))
			if tt.wantCode != 0 {
				var rpcErr *Error
				if !errors.As(err, &rpcErr) {
					t.Fatalf("expected *Error, got %v", err)
				}
				if rpcErr.Code != tt.wantCode {
					t.Fatalf("code = %d, want %d", rpcErr.Code, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if req.IsNotification() != tt.notify {
				t.Fatalf("IsNotification = %v, want %v", req.IsNotification(), tt.notify)
			}
			if got := req.ID.Key(); got != tt.idKey {
				t.Fatalf("id key = %q, want %q", got, tt.idKey)
			}
		})
	}
}

func TestResponseEchoesID(t *testing.T) {
	req, err := Decode([]byte(`{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	res, err := NewResult(req.ID, struct{}{})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	b, _ := json.Marshal(res)
	if want := `{"jsonrpc":"2.0","id":9007199254740993,"result":{}}`; string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}

	b, _ = json.Marshal(NewErrorResponse(nil, NewError(CodeParseError, "bad")))
	if want := `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}`; string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestIDKeysDistinguishTypes(t *testing.T) {
	var a, b ID
	if err := json.Unmarshal([]byte(`1`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`"1"`), &b); err != nil {
		t.Fatal(err)
	}
	if a.Key() == b.Key() {
		t.Fatalf("number and string ids must not collide")
	}
	if a.String() != "1" || b.String() != "1" {
		t.Fatalf("String() = %q, %q", a.String(), b.String())
	}
	if StringID("x").Key() != `"x"` {
		t.Fatalf("StringID key = %q", StringID("x").Key())
	}
}
