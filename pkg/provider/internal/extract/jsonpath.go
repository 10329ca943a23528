// Package extract reads values out of decoded JSON provider responses.
package extract

import (
	"fmt"
	"strconv"
	"strings"
)

// step is one path element: a field name, an array index, or an array wildcard.
type step struct {
	field    string
	index    int
	wildcard bool
	isIndex  bool
}

// Path is a compiled response path such as "series[*].pointlist[*].[1]".
type Path struct {
	raw   string
	steps []step
}

// CompilePath parses a dotted path. Segments are field names optionally followed by "[n]" or "[*]";
// a bare "[n]" or "[*]" segment indexes the current value.
func CompilePath(raw string) (*Path, error) {
	p := &Path{raw: raw}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty path")
	}
	for _, seg := range strings.Split(raw, ".") {
		if seg == "" {
			return nil, fmt.Errorf("path %q has an empty segment", raw)
		}
		name := seg
		var brackets string
		if i := strings.IndexByte(seg, '['); i >= 0 {
			name, brackets = seg[:i], seg[i:]
		}
		if name != "" {
			p.steps = append(p.steps, step{field: name})
		}
		for brackets != "" {
			end := strings.IndexByte(brackets, ']')
			if brackets[0] != '[' || end < 0 {
				return nil, fmt.Errorf("path %q: malformed index in %q", raw, seg)
			}
			inner := brackets[1:end]
			if inner == "*" {
				p.steps = append(p.steps, step{wildcard: true})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("path %q: bad index %q", raw, inner)
				}
				p.steps = append(p.steps, step{index: n, isIndex: true})
			}
			brackets = brackets[end+1:]
		}
	}
	return p, nil
}

func (p *Path) String() string { return p.raw }

// Eval returns every value the path reaches in document order. Missing fields and out of range
// indexes yield no value.
func (p *Path) Eval(doc any) []any {
	cur := []any{doc}
	for _, s := range p.steps {
		var next []any
		for _, v := range cur {
			switch {
			case s.wildcard:
				if arr, ok := v.([]any); ok {
					next = append(next, arr...)
				}
			case s.isIndex:
				if arr, ok := v.([]any); ok && s.index < len(arr) {
					next = append(next, arr[s.index])
				}
			default:
				if obj, ok := v.(map[string]any); ok {
					if fv, ok := obj[s.field]; ok {
						next = append(next, fv)
					}
				}
			}
		}
		cur = next
	}
	return cur
}
