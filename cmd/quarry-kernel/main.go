// quarry-kernel is the reference runner for the quarry engine. It speaks the
// NDJSON kernel protocol on stdin/stdout and evaluates a small SQL-flavored
// session language against the workspace's DuckDB store, opened read-only.
//
// Supported statements, one per line:
//
//	name = select ...      bind a query result (dataframe) to a variable
//	name = <json literal>  bind a scalar or figure literal
//	name = other_name      alias an existing variable
//	select ...             run a query; its dataframe is the final value
//	print(expr)            write the expression's value to stdout
//	name                   look up a variable; it becomes the final value
//
// SIGINT cancels the in-flight query; the session survives the interrupt.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/quarry/internal/duck"
	"github.com/mattjoyce/quarry/internal/protocol"
)

func main() {
	s := newSession(os.Stdin, os.Stdout)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range interrupts {
			if sig == syscall.SIGTERM {
				os.Exit(0)
			}
			s.cancelInFlight()
		}
	}()

	if err := s.run(); err != nil {
		fmt.Fprintln(os.Stderr, "quarry-kernel:", err)
		os.Exit(1)
	}
}

type session struct {
	in  *bufio.Scanner
	out io.Writer

	db   *sql.DB
	vars map[string]json.RawMessage

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newSession(in io.Reader, out io.Writer) *session {
	return &session{
		in:   protocol.NewResponseScanner(in),
		out:  out,
		vars: make(map[string]json.RawMessage),
	}
}

func (s *session) run() error {
	for {
		req, err := protocol.DecodeRequest(s.in)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch req.Op {
		case protocol.OpBootstrap:
			s.reply(s.bootstrap(req))
		case protocol.OpExecute:
			s.reply(s.execute(req))
		case protocol.OpShutdown:
			s.reply(&protocol.Response{ID: req.ID, Status: "ok"})
			if s.db != nil {
				_ = s.db.Close()
			}
			return nil
		}
	}
}

func (s *session) reply(resp *protocol.Response) {
	_ = protocol.EncodeResponse(s.out, resp)
}

func (s *session) bootstrap(req *protocol.Request) *protocol.Response {
	if req.DuckDBPath == "" {
		return errResponse(req.ID, "bootstrap missing duckdb_path", "")
	}
	ctx := context.Background()
	if !req.ReadOnly {
		db, err := duck.Open(ctx, req.DuckDBPath)
		if err != nil {
			return errResponse(req.ID, fmt.Sprintf("open store: %v", err), "")
		}
		s.db = db
		return &protocol.Response{ID: req.ID, Status: "ok"}
	}

	// A workspace with no ingested datasets has no store file yet, and
	// DuckDB refuses to open a missing file read-only. Create it empty.
	if _, err := os.Stat(req.DuckDBPath); os.IsNotExist(err) {
		seed, err := duck.Open(ctx, req.DuckDBPath)
		if err != nil {
			return errResponse(req.ID, fmt.Sprintf("create store: %v", err), "")
		}
		_ = seed.Close()
	}
	db, err := duck.OpenReadOnly(ctx, req.DuckDBPath)
	if err != nil {
		return errResponse(req.ID, fmt.Sprintf("open store: %v", err), "")
	}
	s.db = db
	return &protocol.Response{ID: req.ID, Status: "ok"}
}

func (s *session) cancelInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *session) execContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}
}

var assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+)$`)

func (s *session) execute(req *protocol.Request) *protocol.Response {
	if s.db == nil {
		return errResponse(req.ID, "session not bootstrapped", "")
	}

	ctx, done := s.execContext()
	defer done()

	var (
		stdout     strings.Builder
		result     json.RawMessage
		resultName string
	)

	for _, line := range splitStatements(req.Code) {
		value, name, out, err := s.evalStatement(ctx, line)
		stdout.WriteString(out)
		if err != nil {
			if ctx.Err() != nil {
				return errResponse(req.ID, "execution interrupted", "")
			}
			return errResponse(req.ID, err.Error(), line)
		}
		if value != nil {
			result = value
			resultName = name
		}
	}

	return &protocol.Response{
		ID:         req.ID,
		Status:     "ok",
		Stdout:     stdout.String(),
		Result:     result,
		ResultName: resultName,
		Vars:       s.describeVars(),
	}
}

func splitStatements(code string) []string {
	var stmts []string
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") || strings.HasPrefix(line, "#") {
			continue
		}
		stmts = append(stmts, line)
	}
	return stmts
}

// evalStatement returns the statement's value (nil when it produced none),
// the bound name if any, accumulated stdout, and an error.
func (s *session) evalStatement(ctx context.Context, stmt string) (json.RawMessage, string, string, error) {
	if inner, ok := cutCall(stmt, "print"); ok {
		value, _, err := s.evalExpr(ctx, inner)
		if err != nil {
			return nil, "", "", err
		}
		return nil, "", renderValue(value) + "\n", nil
	}

	if m := assignRe.FindStringSubmatch(stmt); m != nil && !isSelect(stmt) {
		name, expr := m[1], m[2]
		value, _, err := s.evalExpr(ctx, expr)
		if err != nil {
			return nil, "", "", err
		}
		s.vars[name] = value
		return value, name, "", nil
	}

	value, name, err := s.evalExpr(ctx, stmt)
	return value, name, "", err
}

// evalExpr resolves an expression: a query, a JSON literal, or a variable.
func (s *session) evalExpr(ctx context.Context, expr string) (json.RawMessage, string, error) {
	expr = strings.TrimSpace(expr)

	if isSelect(expr) {
		df, err := s.query(ctx, expr)
		if err != nil {
			return nil, "", err
		}
		return df, "", nil
	}

	var literal any
	if err := json.Unmarshal([]byte(expr), &literal); err == nil {
		return json.RawMessage(expr), "", nil
	}

	if identRe.MatchString(expr) {
		value, ok := s.vars[expr]
		if !ok {
			return nil, "", fmt.Errorf("name '%s' is not defined", expr)
		}
		return value, expr, nil
	}

	return nil, "", fmt.Errorf("cannot evaluate %q", expr)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func isSelect(stmt string) bool {
	lower := strings.ToLower(strings.TrimSpace(stmt))
	return strings.HasPrefix(lower, "select ") || strings.HasPrefix(lower, "with ") ||
		strings.HasPrefix(lower, "from ") || strings.HasPrefix(lower, "describe ") ||
		strings.HasPrefix(lower, "show ")
}

func cutCall(stmt, fn string) (string, bool) {
	trimmed := strings.TrimSpace(stmt)
	if !strings.HasPrefix(trimmed, fn+"(") || !strings.HasSuffix(trimmed, ")") {
		return "", false
	}
	return trimmed[len(fn)+1 : len(trimmed)-1], true
}

// query runs sqlText and renders the rows as a dataframe object.
func (s *session) query(ctx context.Context, sqlText string) (json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var data [][]any
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, c := range cells {
			cells[i] = normalize(c)
		}
		data = append(data, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	df := map[string]any{"columns": cols, "rows": data}
	out, err := json.Marshal(df)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}

func renderValue(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// describeVars buckets session variables by structural shape, mirroring how
// the engine classifies results.
func (s *session) describeVars() *protocol.Vars {
	vars := &protocol.Vars{}
	for name, value := range s.vars {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(value, &obj); err != nil {
			vars.Scalars = append(vars.Scalars, name)
			continue
		}
		_, hasCols := obj["columns"]
		_, hasRows := obj["rows"]
		_, hasData := obj["data"]
		_, hasLayout := obj["layout"]
		switch {
		case hasCols && (hasRows || hasData):
			vars.Dataframes = append(vars.Dataframes, name)
		case hasData && hasLayout:
			vars.Figures = append(vars.Figures, name)
		default:
			vars.Scalars = append(vars.Scalars, name)
		}
	}
	sort.Strings(vars.Dataframes)
	sort.Strings(vars.Figures)
	sort.Strings(vars.Scalars)
	return vars
}

func errResponse(id, msg, trace string) *protocol.Response {
	return &protocol.Response{ID: id, Status: "error", Error: msg, Trace: trace}
}
