// Package prometheus collects range query results from a Prometheus server.
package prometheus

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/template"
)

const (
	Name       = "PROMETHEUS"
	step       = "60s"
	queryRange = "/api/v1/query_range"
)

// Metric is one configured query. Name is the series (transaction) name and Metric the value key.
type Metric struct {
	Name   string `mapstructure:"name" validate:"required"`
	Metric string `mapstructure:"metric" validate:"required"`
	Query  string `mapstructure:"query" validate:"required"`
}

type Queries struct {
	Metrics []Metric `mapstructure:"metrics" validate:"required,min=1,dive"`
	// HostLabel is the series label carrying the host, "instance" by default.
	HostLabel string `mapstructure:"host_label"`
}

type Provider struct {
	queries Queries
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Init(_ context.Context, job *collector.Job) error {
	if job.Connection.URL == "" {
		return errors.New(errors.CodeConfig, "prometheus url is required")
	}
	if err := job.DecodeQueries(&p.queries); err != nil {
		return err
	}
	if p.queries.HostLabel == "" {
		p.queries.HostLabel = "instance"
	}
	return nil
}

func (p *Provider) BuildRequests(_ context.Context, t *collector.Tick) ([]collector.Request, error) {
	base := strings.TrimRight(t.Job.Connection.URL, "/") + queryRange
	headers := authHeaders(t)

	var reqs []collector.Request
	for i, m := range p.queries.Metrics {
		for _, d := range t.DayOffsets {
			w := t.WindowFor(d)
			queries, err := template.Expand(m.Query, t.Job.HostNames(), t.Vars("", d))
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeConfig, "expand query %s", m.Name)
			}
			for _, q := range queries {
				params := url.Values{}
				params.Set("query", q.Text)
				params.Set("start", strconv.FormatInt(w.Start.Unix(), 10))
				params.Set("end", strconv.FormatInt(w.LastMinute().Unix(), 10))
				params.Set("step", step)
				reqs = append(reqs, collector.Request{
					Method:  http.MethodGet,
					URL:     base + "?" + params.Encode(),
					Headers: headers,
					Tag:     collector.Tag{Hosts: q.Hosts, DayOffset: d, Key: strconv.Itoa(i)},
				})
			}
		}
	}
	return reqs, nil
}

func authHeaders(t *collector.Tick) map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if token := t.Secret("token"); token != "" {
		h["Authorization"] = "Bearer " + token
	}
	return h
}

type response struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
	Data      struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Values [][2]any          `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

func (p *Provider) ParseResponse(t *collector.Tick, req collector.Request, body []byte) ([]*record.MetricRecord, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, errors.New(errors.CodeTransient, "prometheus query failed: %s %s", resp.ErrorType, resp.Error)
	}
	if resp.Data.ResultType != "matrix" {
		return nil, errors.New(errors.CodeTransient, "unexpected result type %q", resp.Data.ResultType)
	}
	idx, err := strconv.Atoi(req.Tag.Key)
	if err != nil || idx < 0 || idx >= len(p.queries.Metrics) {
		return nil, errors.New(errors.CodeInternal, "request tag %q does not name a metric", req.Tag.Key)
	}
	m := p.queries.Metrics[idx]

	var out []*record.MetricRecord
	for _, series := range resp.Data.Result {
		host := resolveHost(series.Metric[p.queries.HostLabel], req.Tag.Hosts)
		if host == "" {
			continue
		}
		for _, pair := range series.Values {
			ts, ok := pair[0].(float64)
			if !ok {
				continue
			}
			raw, _ := pair[1].(string)
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			ms := int64(ts * 1000)
			if !t.InWindow(ms, req.Tag.DayOffset) {
				continue
			}
			out = append(out, t.NewRecord(m.Name, host, ms, map[string]float64{m.Metric: v}))
		}
	}
	return out, nil
}

// resolveHost maps a series label to one of the requested hosts. A single-host request claims
// every series it gets back.
func resolveHost(label string, hosts []string) string {
	for _, h := range hosts {
		if h == label {
			return h
		}
	}
	if len(hosts) == 1 {
		return hosts[0]
	}
	return ""
}
