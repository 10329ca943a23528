// Package template expands provider query templates against a host and a collection window.
//
// Recognized placeholders:
//
//	${host}                 host or instance identifier
//	${start_time}           window start, epoch millis
//	${end_time}             window end, epoch millis
//	${start_time_seconds}   window start, epoch seconds
//	${end_time_seconds}     window end, epoch seconds
//	${<field>}              decrypted secret field
//	$harness_batch{<fragment>,<separator>}
//	                        <fragment> repeated for up to MaxBatchHosts hosts, joined by <separator>;
//	                        the first comma outside braces ends <fragment>
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/delegate-collector/pkg/record"
)

const (
	HostPlaceholder = "${host}"
	batchOpen       = "$harness_batch{"
)

// MaxBatchHosts caps the number of hosts expanded into one batched query.
const MaxBatchHosts = 15

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// Vars are the values substituted into a template.
type Vars struct {
	Host    string
	Window  record.Window
	Secrets map[string]string
}

// Render substitutes every known placeholder in tmpl. Unknown placeholders are kept verbatim.
func Render(tmpl string, v Vars) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-1]
		switch name {
		case "host":
			return v.Host
		case "start_time":
			return strconv.FormatInt(v.Window.StartMillis(), 10)
		case "end_time":
			return strconv.FormatInt(v.Window.EndMillis(), 10)
		case "start_time_seconds":
			return strconv.FormatInt(v.Window.Start.Unix(), 10)
		case "end_time_seconds":
			return strconv.FormatInt(v.Window.End.Unix(), 10)
		}
		if s, ok := v.Secrets[name]; ok {
			return s
		}
		return m
	})
}

// HasHost reports whether tmpl needs a per-host expansion.
func HasHost(tmpl string) bool {
	return strings.Contains(tmpl, HostPlaceholder)
}

// batchRef is a parsed $harness_batch{...} occurrence.
type batchRef struct {
	begin, end int
	fragment   string
	separator  string
}

func parseBatch(tmpl string) (*batchRef, error) {
	begin := strings.Index(tmpl, batchOpen)
	if begin < 0 {
		return nil, nil
	}
	depth := 1
	i := begin + len(batchOpen)
	for ; i < len(tmpl) && depth > 0; i++ {
		switch tmpl[i] {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unterminated %s in template", batchOpen)
	}
	body := tmpl[begin+len(batchOpen) : i-1]
	comma := splitComma(body)
	if comma < 0 {
		return nil, fmt.Errorf("%s needs a fragment and a separator", batchOpen)
	}
	return &batchRef{begin: begin, end: i, fragment: body[:comma], separator: body[comma+1:]}, nil
}

// splitComma returns the index of the first comma outside any braces, so the separator itself may
// contain commas. It returns -1 if there is none.
func splitComma(body string) int {
	depth := 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Query is one expanded template and the hosts it answers for.
type Query struct {
	Text  string
	Hosts []string
}

// Expand resolves tmpl for hosts. A batch placeholder groups hosts MaxBatchHosts at a time; a
// ${host} placeholder yields one query per host; otherwise a single host-less query is returned.
// Hosts are processed in sorted order so expansion is deterministic.
func Expand(tmpl string, hosts []string, v Vars) ([]Query, error) {
	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)

	b, err := parseBatch(tmpl)
	if err != nil {
		return nil, err
	}
	if b != nil {
		var out []Query
		for _, chunk := range Chunk(sorted, MaxBatchHosts) {
			parts := make([]string, 0, len(chunk))
			for _, h := range chunk {
				hv := v
				hv.Host = h
				parts = append(parts, Render(b.fragment, hv))
			}
			text := tmpl[:b.begin] + strings.Join(parts, b.separator) + tmpl[b.end:]
			out = append(out, Query{Text: Render(text, v), Hosts: chunk})
		}
		return out, nil
	}

	if HasHost(tmpl) {
		out := make([]Query, 0, len(sorted))
		for _, h := range sorted {
			hv := v
			hv.Host = h
			out = append(out, Query{Text: Render(tmpl, hv), Hosts: []string{h}})
		}
		return out, nil
	}
	return []Query{{Text: Render(tmpl, v), Hosts: sorted}}, nil
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n:n])
		items = items[n:]
	}
	return out
}

// Mask replaces every secret value occurring in s, for audit logging.
func Mask(s string, secrets map[string]string) string {
	for _, v := range secrets {
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, "<secret>")
	}
	return s
}
