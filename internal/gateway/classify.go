package gateway

import "encoding/json"

// Value kinds. Classification is structural: the shape of the payload
// decides, never the variable's name.
const (
	KindDataframe = "dataframe"
	KindFigure    = "figure"
	KindScalar    = "scalar"
)

// Value is the classified final result of an execution.
type Value struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`

	// RowCount is set for dataframes.
	RowCount int64 `json:"row_count,omitempty"`

	Payload json.RawMessage `json:"payload"`
}

// Classify inspects a runner result payload and tags it as a dataframe,
// figure, or scalar. A nil payload means the submission produced no final
// value and yields no Value at all.
//
// A JSON object with "columns" plus "rows" (or the older "data" spelling)
// is tabular. An object with "data" plus "layout" is a figure. Everything
// else, objects included, is a scalar.
func Classify(payload json.RawMessage, name string) *Value {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		// Not an object: a bare number, string, bool, or array.
		return &Value{Kind: KindScalar, Name: name, Payload: payload}
	}

	if _, ok := obj["columns"]; ok {
		if rows, ok := tabularRows(obj); ok {
			return &Value{
				Kind:     KindDataframe,
				Name:     name,
				RowCount: int64(len(rows)),
				Payload:  payload,
			}
		}
	}

	if _, hasData := obj["data"]; hasData {
		if _, hasLayout := obj["layout"]; hasLayout {
			return &Value{Kind: KindFigure, Name: name, Payload: payload}
		}
	}

	return &Value{Kind: KindScalar, Name: name, Payload: payload}
}

func tabularRows(obj map[string]json.RawMessage) ([]json.RawMessage, bool) {
	raw, ok := obj["rows"]
	if !ok {
		raw, ok = obj["data"]
	}
	if !ok {
		return nil, false
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, false
	}
	return rows, true
}
