package extract

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/delegate-collector/pkg/errors"
)

// Timestamp formats understood besides Go time layouts.
const (
	FormatAuto    = ""
	FormatSeconds = "seconds"
	FormatMillis  = "millis"
)

// Float converts a JSON number or numeric string. NaN and infinities are rejected.
func Float(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// String renders a scalar JSON value. Nil is reported as missing.
func String(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return fmt.Sprint(s), true
	}
}

// At returns element i of list; a single element list applies to every position.
func At(list []any, i int) (any, bool) {
	switch {
	case len(list) == 1:
		return list[0], true
	case i >= 0 && i < len(list):
		return list[i], true
	}
	return nil, false
}

// StringAt is At followed by String.
func StringAt(list []any, i int) (string, bool) {
	v, ok := At(list, i)
	if !ok {
		return "", false
	}
	return String(v)
}

// Match applies re to s and returns the first capture group, or the whole match. A nil re
// returns s unchanged.
func Match(re *regexp.Regexp, s string) (string, bool) {
	if re == nil {
		return s, true
	}
	m := re.FindStringSubmatch(s)
	switch {
	case m == nil:
		return "", false
	case len(m) > 1:
		return m[1], true
	}
	return m[0], true
}

// Timestamp returns epoch millis. In auto mode numbers below 1e12 are taken as seconds; any other
// format is a Go time layout applied to a string value.
func Timestamp(v any, format string) (int64, error) {
	switch format {
	case FormatAuto, FormatSeconds, FormatMillis:
		f, ok := Float(v)
		if !ok {
			return 0, errors.New(errors.CodeTransient, "timestamp %v is not numeric", v)
		}
		if format == FormatSeconds || format == FormatAuto && f < 1e12 {
			return int64(f * 1000), nil
		}
		return int64(f), nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New(errors.CodeTransient, "timestamp %v is not a string", v)
	}
	ts, err := time.Parse(format, s)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeTransient, "parse timestamp")
	}
	return ts.UnixMilli(), nil
}

// Field reads a dotted field path from a decoded object, e.g. "kubernetes.pod.name". A key that
// itself contains dots is tried whole first.
func Field(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
