// Package elk collects log messages through the Elasticsearch search API, either directly (ELK) or
// through the Logz.io search endpoint (LOGZ).
package elk

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/provider/internal/extract"
	"github.com/delegate-collector/pkg/provider/internal/logs"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/template"
)

const (
	NameELK  = "ELK"
	NameLogz = "LOGZ"

	defaultLogzURL   = "https://api.logz.io"
	defaultSize      = 1000
	defaultTimestamp = "@timestamp"
)

type Queries struct {
	// Query is an Elasticsearch query_string, templated.
	Query string `mapstructure:"query" validate:"required"`
	// Name labels the records, the raw query when empty.
	Name            string `mapstructure:"name"`
	Index           string `mapstructure:"index"`
	HostnameField   string `mapstructure:"hostname_field" validate:"required"`
	MessageField    string `mapstructure:"message_field" validate:"required"`
	TimestampField  string `mapstructure:"timestamp_field"`
	TimestampFormat string `mapstructure:"timestamp_format"`
	Size            int    `mapstructure:"size" validate:"gte=0,lte=10000"`
}

type flavor struct {
	name     string
	endpoint func(base, index string) string
	auth     func(t *collector.Tick) map[string]string
}

var (
	elkFlavor = flavor{
		name: NameELK,
		endpoint: func(base, index string) string {
			return base + "/" + index + "/_search"
		},
		auth: func(t *collector.Tick) map[string]string {
			h := map[string]string{}
			conn := t.Job.Connection
			switch {
			case t.Secret("api_key") != "":
				h["Authorization"] = "ApiKey " + t.Secret("api_key")
			case conn.Username != "":
				raw := conn.Username + ":" + t.Secret("password")
				h["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
			}
			return h
		},
	}
	logzFlavor = flavor{
		name: NameLogz,
		endpoint: func(base, _ string) string {
			return base + "/v1/search"
		},
		auth: func(t *collector.Tick) map[string]string {
			return map[string]string{"X-API-TOKEN": t.Secret("token")}
		},
	}
)

type Provider struct {
	flavor  flavor
	queries Queries
}

// NewELK returns the Elasticsearch provider.
func NewELK() *Provider {
	return &Provider{flavor: elkFlavor}
}

// NewLogz returns the Logz.io provider.
func NewLogz() *Provider {
	return &Provider{flavor: logzFlavor}
}

func (p *Provider) Name() string { return p.flavor.name }

func (p *Provider) Init(_ context.Context, job *collector.Job) error {
	if err := job.DecodeQueries(&p.queries); err != nil {
		return err
	}
	q := &p.queries
	switch p.flavor.name {
	case NameELK:
		if job.Connection.URL == "" {
			return errors.New(errors.CodeConfig, "elk url is required")
		}
		if q.Index == "" {
			q.Index = "_all"
		}
	case NameLogz:
		if job.Connection.Secret("token") == "" {
			return errors.New(errors.CodeConfig, "logz token is required")
		}
	}
	if q.Name == "" {
		q.Name = q.Query
	}
	if q.TimestampField == "" {
		q.TimestampField = defaultTimestamp
	}
	if q.TimestampFormat == "" {
		q.TimestampFormat = time.RFC3339Nano
	}
	if q.Size == 0 {
		q.Size = defaultSize
	}
	return nil
}

func (p *Provider) baseURL(job *collector.Job) string {
	if job.Connection.URL == "" && p.flavor.name == NameLogz {
		return defaultLogzURL
	}
	return strings.TrimRight(job.Connection.URL, "/")
}

func (p *Provider) BuildRequests(_ context.Context, t *collector.Tick) ([]collector.Request, error) {
	endpoint := p.flavor.endpoint(p.baseURL(t.Job), p.queries.Index)
	headers := p.flavor.auth(t)
	headers["Content-Type"] = "application/json"

	chunks := template.Chunk(t.Job.HostNames(), template.MaxBatchHosts)
	if len(chunks) == 0 {
		chunks = [][]string{nil}
	}

	var reqs []collector.Request
	for _, d := range t.DayOffsets {
		w := t.WindowFor(d)
		text := template.Render(p.queries.Query, t.Vars("", d))
		for _, hosts := range chunks {
			body, err := json.Marshal(p.searchBody(text, hosts, w))
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeInternal, "encode search")
			}
			reqs = append(reqs, collector.Request{
				Method:  http.MethodPost,
				URL:     endpoint,
				Headers: headers,
				Body:    body,
				Tag:     collector.Tag{Hosts: hosts, DayOffset: d, Key: p.queries.Name},
			})
		}
	}
	return reqs, nil
}

func (p *Provider) searchBody(query string, hosts []string, w record.Window) map[string]any {
	q := p.queries
	filters := []any{
		map[string]any{"query_string": map[string]any{"query": query}},
		map[string]any{"range": map[string]any{q.TimestampField: map[string]any{
			"gte":    w.StartMillis(),
			"lt":     w.EndMillis(),
			"format": "epoch_millis",
		}}},
	}
	if len(hosts) > 0 {
		filters = append(filters, map[string]any{"terms": map[string]any{q.HostnameField: hosts}})
	}
	return map[string]any{
		"size":  q.Size,
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"sort":  []any{map[string]any{q.TimestampField: map[string]any{"order": "asc"}}},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (p *Provider) ParseResponse(t *collector.Tick, req collector.Request, body []byte) ([]*record.MetricRecord, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	q := p.queries
	lines := logs.NewAggregator(t, q.Name, req.Tag.Hosts)
	for _, hit := range resp.Hits.Hits {
		host, ok := sourceString(hit.Source, q.HostnameField)
		if !ok {
			continue
		}
		msg, ok := sourceString(hit.Source, q.MessageField)
		if !ok {
			continue
		}
		raw, ok := extract.Field(hit.Source, q.TimestampField)
		if !ok {
			continue
		}
		ts, err := extract.Timestamp(raw, q.TimestampFormat)
		if err != nil {
			return nil, err
		}
		if !t.InWindow(ts, req.Tag.DayOffset) {
			continue
		}
		lines.Add(host, msg, ts)
	}
	return lines.Records(), nil
}

func sourceString(src map[string]any, field string) (string, bool) {
	v, ok := extract.Field(src, field)
	if !ok {
		return "", false
	}
	return extract.String(v)
}
