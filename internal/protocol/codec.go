package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the protocol revision both sides must agree on.
const Version = 1

// MaxLineBytes bounds a single response line. Large tabular results stay
// within this; a runner that exceeds it is misbehaving.
const MaxLineBytes = 64 << 20

// EncodeRequest writes req to w as a single JSON line.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.ID == "" {
		return fmt.Errorf("request missing id")
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// NewResponseScanner returns a line scanner over the runner's stdout sized
// for protocol traffic.
func NewResponseScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return sc
}

// ParseResponse validates and deserializes one response line.
func ParseResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("runner output is not valid JSON: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("response missing required field: id")
	}
	if resp.Status != "ok" && resp.Status != "error" {
		return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return nil, fmt.Errorf("response has status=error but no error message")
	}
	return &resp, nil
}

// DecodeRequest reads one request line from a scanner positioned on the
// runner side of the pipe. It returns io.EOF when the peer closed stdin.
func DecodeRequest(sc *bufio.Scanner) (*Request, error) {
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		return nil, io.EOF
	}
	var req Request
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("request missing id")
	}
	switch req.Op {
	case OpBootstrap, OpExecute, OpShutdown:
	default:
		return nil, fmt.Errorf("unknown op: %q", req.Op)
	}
	return &req, nil
}

// EncodeResponse writes resp to w as a single JSON line.
func EncodeResponse(w io.Writer, resp *Response) error {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
