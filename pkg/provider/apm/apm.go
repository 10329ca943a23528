// Package apm is the generic custom APM provider: every metric is a templated HTTP call plus a
// response mapping made of JSON paths.
package apm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/provider/internal/extract"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/template"
)

const Name = "APM_VERIFICATION"

// bodySep joins url and body templates so they expand over the same host chunks.
const bodySep = "\x00"

// ResponseMapping locates the series name, value, timestamp and host inside a response. Paths that
// reach one value apply to every data point; otherwise values are paired by position.
type ResponseMapping struct {
	TxnName         string `mapstructure:"txn_name"`
	TxnNamePath     string `mapstructure:"txn_name_path"`
	TxnNameRegex    string `mapstructure:"txn_name_regex"`
	ValuePath       string `mapstructure:"value_path" validate:"required"`
	TimestampPath   string `mapstructure:"timestamp_path"`
	TimestampFormat string `mapstructure:"timestamp_format"`
	HostPath        string `mapstructure:"host_path"`
	HostRegex       string `mapstructure:"host_regex"`
}

// MetricInfo is one collected metric.
type MetricInfo struct {
	Name     string          `mapstructure:"name" validate:"required"`
	Method   string          `mapstructure:"method" validate:"omitempty,oneof=GET POST get post"`
	URL      string          `mapstructure:"url" validate:"required"`
	Body     string          `mapstructure:"body"`
	Response ResponseMapping `mapstructure:"response"`
}

type Queries struct {
	Headers map[string]string `mapstructure:"headers"`
	// Options are extra query parameters added to every call.
	Options map[string]string `mapstructure:"options"`
	Metrics []MetricInfo      `mapstructure:"metrics" validate:"required,min=1,dive"`
}

type compiled struct {
	info      MetricInfo
	method    string
	txnPath   *extract.Path
	txnRegex  *regexp.Regexp
	valuePath *extract.Path
	tsPath    *extract.Path
	hostPath  *extract.Path
	hostRegex *regexp.Regexp
}

type Provider struct {
	queries Queries
	metrics []compiled
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Init(_ context.Context, job *collector.Job) error {
	if err := job.DecodeQueries(&p.queries); err != nil {
		return err
	}
	p.metrics = p.metrics[:0]
	for _, m := range p.queries.Metrics {
		c, err := compile(m)
		if err != nil {
			return errors.Wrap(err, errors.CodeConfig, "metric %s", m.Name)
		}
		if !strings.Contains(m.URL, "://") && job.Connection.URL == "" {
			return errors.New(errors.CodeConfig, "metric %s: relative url needs a base url", m.Name)
		}
		p.metrics = append(p.metrics, c)
	}
	return nil
}

func compile(m MetricInfo) (compiled, error) {
	c := compiled{info: m, method: strings.ToUpper(m.Method)}
	if c.method == "" {
		c.method = http.MethodGet
	}
	r := m.Response
	if (r.TxnName == "") == (r.TxnNamePath == "") {
		return c, fmt.Errorf("exactly one of txn_name and txn_name_path is required")
	}
	var err error
	if c.valuePath, err = extract.CompilePath(r.ValuePath); err != nil {
		return c, err
	}
	if r.TxnNamePath != "" {
		if c.txnPath, err = extract.CompilePath(r.TxnNamePath); err != nil {
			return c, err
		}
	}
	if r.TimestampPath != "" {
		if c.tsPath, err = extract.CompilePath(r.TimestampPath); err != nil {
			return c, err
		}
	}
	if r.HostPath != "" {
		if c.hostPath, err = extract.CompilePath(r.HostPath); err != nil {
			return c, err
		}
	}
	if r.TxnNameRegex != "" {
		if c.txnRegex, err = regexp.Compile(r.TxnNameRegex); err != nil {
			return c, err
		}
	}
	if r.HostRegex != "" {
		if c.hostRegex, err = regexp.Compile(r.HostRegex); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (p *Provider) BuildRequests(_ context.Context, t *collector.Tick) ([]collector.Request, error) {
	base := strings.TrimRight(t.Job.Connection.URL, "/")
	var reqs []collector.Request
	for i, m := range p.metrics {
		for _, d := range t.DayOffsets {
			vars := t.Vars("", d)
			queries, err := template.Expand(m.info.URL+bodySep+m.info.Body, t.Job.HostNames(), vars)
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeConfig, "expand metric %s", m.info.Name)
			}
			for _, q := range queries {
				rawURL, body, _ := strings.Cut(q.Text, bodySep)
				full, err := p.resolveURL(base, rawURL, vars)
				if err != nil {
					return nil, errors.Wrap(err, errors.CodeConfig, "metric %s url", m.info.Name)
				}
				req := collector.Request{
					Method:  m.method,
					URL:     full,
					Headers: p.headers(vars),
					Tag:     collector.Tag{Hosts: q.Hosts, DayOffset: d, Key: strconv.Itoa(i)},
				}
				if body != "" {
					req.Body = []byte(body)
				}
				reqs = append(reqs, req)
			}
		}
	}
	return reqs, nil
}

func (p *Provider) resolveURL(base, raw string, vars template.Vars) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = base + "/" + strings.TrimLeft(raw, "/")
	}
	if len(p.queries.Options) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	keys := make([]string, 0, len(p.queries.Options))
	for k := range p.queries.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, template.Render(p.queries.Options[k], vars))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Provider) headers(vars template.Vars) map[string]string {
	h := make(map[string]string, len(p.queries.Headers)+1)
	h["Accept"] = "application/json"
	for k, v := range p.queries.Headers {
		h[k] = template.Render(v, vars)
	}
	return h
}

func (p *Provider) ParseResponse(t *collector.Tick, req collector.Request, body []byte) ([]*record.MetricRecord, error) {
	idx, err := strconv.Atoi(req.Tag.Key)
	if err != nil || idx < 0 || idx >= len(p.metrics) {
		return nil, errors.New(errors.CodeInternal, "request tag %q does not name a metric", req.Tag.Key)
	}
	m := p.metrics[idx]

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	values := m.valuePath.Eval(doc)
	var txns, stamps, hosts []any
	if m.txnPath != nil {
		txns = m.txnPath.Eval(doc)
	}
	if m.tsPath != nil {
		stamps = m.tsPath.Eval(doc)
	}
	if m.hostPath != nil {
		hosts = m.hostPath.Eval(doc)
	}

	lastMinute := t.WindowFor(req.Tag.DayOffset).LastMinute().UnixMilli()
	var out []*record.MetricRecord
	for i, raw := range values {
		v, ok := extract.Float(raw)
		if !ok {
			continue
		}

		txn := m.info.Response.TxnName
		if m.txnPath != nil {
			s, ok := extract.StringAt(txns, i)
			if !ok {
				continue
			}
			if txn, ok = extract.Match(m.txnRegex, s); !ok {
				continue
			}
		}

		ts := lastMinute
		if m.tsPath != nil {
			rawTS, ok := extract.At(stamps, i)
			if !ok {
				continue
			}
			if ts, err = extract.Timestamp(rawTS, m.info.Response.TimestampFormat); err != nil {
				return nil, err
			}
			if !t.InWindow(ts, req.Tag.DayOffset) {
				continue
			}
		}

		host, ok := p.host(m, hosts, i, req.Tag.Hosts)
		if !ok {
			continue
		}
		out = append(out, t.NewRecord(txn, host, ts, map[string]float64{m.info.Name: v}))
	}
	return out, nil
}

// host resolves the host of data point i. Without a host path a single-host request owns every point
// and a host-less request reports under the workflow level dummy host.
func (p *Provider) host(m compiled, hosts []any, i int, requested []string) (string, bool) {
	if m.hostPath == nil {
		if len(requested) == 1 {
			return requested[0], true
		}
		return record.HeartbeatHost, true
	}
	s, ok := extract.StringAt(hosts, i)
	if !ok {
		return "", false
	}
	h, ok := extract.Match(m.hostRegex, s)
	if !ok {
		return "", false
	}
	if len(requested) == 0 {
		return h, true
	}
	for _, r := range requested {
		if r == h {
			return h, true
		}
	}
	return "", false
}
