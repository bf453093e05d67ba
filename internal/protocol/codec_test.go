package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	req := &Request{
		Protocol:   Version,
		ID:         "req-1",
		Op:         OpBootstrap,
		DuckDBPath: "/data/ws1/workspace.duckdb",
		ReadOnly:   true,
		Packages:   []string{"stats"},
	}
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("encoded request must be newline-terminated")
	}

	sc := NewResponseScanner(&buf)
	got, err := DecodeRequest(sc)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.ID != req.ID || got.Op != req.Op || got.DuckDBPath != req.DuckDBPath || !got.ReadOnly {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestEncodeRequestRejectsBadEnvelope(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, &Request{Protocol: 2, ID: "x", Op: OpExecute}); err == nil {
		t.Error("wrong protocol version accepted")
	}
	if err := EncodeRequest(&buf, &Request{Protocol: Version, Op: OpExecute}); err == nil {
		t.Error("missing id accepted")
	}
}

func TestDecodeRequestEOF(t *testing.T) {
	t.Parallel()

	sc := NewResponseScanner(strings.NewReader(""))
	if _, err := DecodeRequest(sc); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestDecodeRequestRejectsUnknownOp(t *testing.T) {
	t.Parallel()

	sc := NewResponseScanner(strings.NewReader(`{"protocol":1,"id":"r1","op":"dance"}` + "\n"))
	if _, err := DecodeRequest(sc); err == nil || !strings.Contains(err.Error(), "unknown op") {
		t.Errorf("expected unknown op error, got %v", err)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	resp, err := ParseResponse([]byte(`{"id":"r1","status":"ok","result":{"columns":["n"],"rows":[[3]]},"result_name":"df"}`))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.ID != "r1" || !resp.Succeeded() || resp.ResultName != "df" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestParseResponseValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
	}{
		{"not json", "garbage"},
		{"missing id", `{"status":"ok"}`},
		{"bad status", `{"id":"r1","status":"maybe"}`},
		{"error without message", `{"id":"r1","status":"error"}`},
	}
	for _, tc := range cases {
		if _, err := ParseResponse([]byte(tc.line)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestSucceededRequiresCleanStderr(t *testing.T) {
	t.Parallel()

	resp := &Response{ID: "r1", Status: "ok", Stderr: "warning: deprecated"}
	if resp.Succeeded() {
		t.Error("response with stderr output must not count as success")
	}
}
