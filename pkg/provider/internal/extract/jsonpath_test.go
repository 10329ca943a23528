package extract

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathEval(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{
		"series": [
			{"scope": "host:web-1", "pointlist": [[1714557600000, 1.5], [1714557660000, 2.5]]},
			{"scope": "host:web-2", "pointlist": [[1714557600000, 3]]}
		],
		"meta": {"name": "latency"}
	}`), &doc))

	tests := []struct {
		path string
		want []any
	}{
		{"meta.name", []any{"latency"}},
		{"series[*].scope", []any{"host:web-1", "host:web-2"}},
		{"series[1].scope", []any{"host:web-2"}},
		{"series[*].pointlist[*].[1]", []any{1.5, 2.5, 3.0}},
		{"series[*].pointlist[*][0]", []any{1714557600000.0, 1714557660000.0, 1714557600000.0}},
		{"series[5].scope", nil},
		{"missing.field", nil},
		{"meta.name[0]", nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := CompilePath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Eval(doc))
		})
	}
}

func TestCompilePathErrors(t *testing.T) {
	for _, raw := range []string{"", "a..b", "a[x]", "a[-1]", "a[1"} {
		_, err := CompilePath(raw)
		assert.Error(t, err, raw)
	}
}
