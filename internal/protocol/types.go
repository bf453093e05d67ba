package protocol

import "encoding/json"

// Op is the operation field of a kernel request.
type Op string

const (
	OpBootstrap Op = "bootstrap"
	OpExecute   Op = "execute"
	OpShutdown  Op = "shutdown"
)

// Request is one NDJSON envelope sent to a kernel runner on stdin. Every
// request carries an ID; the runner echoes it back so responses can be
// matched to in-flight submissions.
type Request struct {
	Protocol int    `json:"protocol"`
	ID       string `json:"id"`
	Op       Op     `json:"op"`

	// Execute only.
	Code string `json:"code,omitempty"`

	// Bootstrap only.
	DuckDBPath string   `json:"duckdb_path,omitempty"`
	ReadOnly   bool     `json:"read_only,omitempty"`
	Packages   []string `json:"packages,omitempty"`
}

// Response is one NDJSON envelope read from a kernel runner's stdout.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok | error

	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Set when status is error.
	Error string `json:"error,omitempty"`
	Trace string `json:"trace,omitempty"`

	// Result is the value of the final expression, when there was one.
	Result     json.RawMessage `json:"result,omitempty"`
	ResultName string          `json:"result_name,omitempty"`

	Vars *Vars `json:"vars,omitempty"`
}

// Vars is the runner's report of which session variables currently hold
// tabular, figure, or plain values.
type Vars struct {
	Dataframes []string `json:"dataframes,omitempty"`
	Figures    []string `json:"figures,omitempty"`
	Scalars    []string `json:"scalars,omitempty"`
}

// Succeeded reports whether the runner completed the request cleanly. A
// response that carries stderr output is not a success even when the status
// field says ok.
func (r *Response) Succeeded() bool {
	return r.Status == "ok" && r.Stderr == ""
}
