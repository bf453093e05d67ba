package gateway

import (
	"encoding/json"
	"testing"
)

func TestClassifyDataframe(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"columns":["region","amount"],"rows":[["east",10.5],["west",3.0],["east",7.25]]}`)
	v := Classify(payload, "df")
	if v == nil || v.Kind != KindDataframe {
		t.Fatalf("Classify = %+v, want dataframe", v)
	}
	if v.RowCount != 3 {
		t.Errorf("row count = %d, want 3", v.RowCount)
	}
	if v.Name != "df" {
		t.Errorf("name = %q, want df", v.Name)
	}
}

func TestClassifyDataframeLegacyDataKey(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"columns":["n"],"data":[[1],[2]]}`)
	v := Classify(payload, "")
	if v == nil || v.Kind != KindDataframe || v.RowCount != 2 {
		t.Fatalf("Classify = %+v, want dataframe with 2 rows", v)
	}
}

func TestClassifyFigure(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"data":[{"x":[1,2],"y":[3,4],"type":"bar"}],"layout":{"title":"Sales"}}`)
	v := Classify(payload, "fig")
	if v == nil || v.Kind != KindFigure {
		t.Fatalf("Classify = %+v, want figure", v)
	}
}

func TestClassifyScalar(t *testing.T) {
	t.Parallel()

	cases := []string{
		`42`,
		`"hello"`,
		`true`,
		`[1,2,3]`,
		`{"a":1}`,
		`{"data":[1,2]}`,             // data without layout is just an object
		`{"columns":"not an array"}`, // columns without row material
		`{"layout":{}}`,              // layout without data
	}
	for _, c := range cases {
		v := Classify(json.RawMessage(c), "")
		if v == nil || v.Kind != KindScalar {
			t.Errorf("Classify(%s) = %+v, want scalar", c, v)
		}
	}
}

func TestClassifyNameNeverDecides(t *testing.T) {
	t.Parallel()

	// A scalar named like a chart stays a scalar.
	v := Classify(json.RawMessage(`7`), "figure")
	if v == nil || v.Kind != KindScalar {
		t.Fatalf("Classify = %+v, want scalar regardless of name", v)
	}
}

func TestClassifyEmpty(t *testing.T) {
	t.Parallel()

	if v := Classify(nil, ""); v != nil {
		t.Errorf("Classify(nil) = %+v, want nil", v)
	}
	if v := Classify(json.RawMessage(`null`), ""); v != nil {
		t.Errorf("Classify(null) = %+v, want nil", v)
	}
}
