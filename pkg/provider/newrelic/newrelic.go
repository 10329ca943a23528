// Package newrelic collects per-instance metric timeslices from the New Relic v2 REST API.
package newrelic

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/logger"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/template"
)

const (
	Name = "NEW_RELIC"
	// MaxNamesPerCall caps names[] per metric data call.
	MaxNamesPerCall = 30
	defaultBaseURL  = "https://api.newrelic.com"
)

type Queries struct {
	ApplicationID string `mapstructure:"application_id" validate:"required"`
	// Metrics are New Relic metric names, e.g. "WebTransaction/Servlet/checkout".
	Metrics []string `mapstructure:"metrics" validate:"required,min=1,dive,required"`
	// Values restricts the timeslice values kept, all numeric values when empty.
	Values []string `mapstructure:"values"`
	// Instances maps host to instance id. Hosts missing here are looked up once at init.
	Instances map[string]string `mapstructure:"instances"`
}

type Provider struct {
	client    *apicall.Client
	queries   Queries
	instances map[string]string
	values    map[string]struct{}
}

func New(client *apicall.Client) *Provider {
	if client == nil {
		client = apicall.NewClient(nil, nil, 0)
	}
	return &Provider{client: client}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Init(ctx context.Context, job *collector.Job) error {
	if err := job.DecodeQueries(&p.queries); err != nil {
		return err
	}
	if job.Connection.Secret("api_key") == "" {
		return errors.New(errors.CodeConfig, "new relic api_key is required")
	}
	p.values = make(map[string]struct{}, len(p.queries.Values))
	for _, v := range p.queries.Values {
		p.values[v] = struct{}{}
	}

	p.instances = make(map[string]string, len(job.Hosts))
	var missing []string
	for _, h := range job.HostNames() {
		if id, ok := p.queries.Instances[h]; ok {
			p.instances[h] = id
			continue
		}
		missing = append(missing, h)
	}
	if len(missing) == 0 {
		return nil
	}
	known, err := p.listInstances(ctx, job)
	if err != nil {
		return err
	}
	for _, h := range missing {
		if id, ok := known[h]; ok {
			p.instances[h] = id
		} else {
			logger.Warn("new relic instance not found for host", zap.String("host", h), zap.String("app", p.queries.ApplicationID))
		}
	}
	return nil
}

type instancesResponse struct {
	Instances []struct {
		ID   int64  `json:"id"`
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"application_instances"`
}

// listInstances pages through the application instances and maps host and host:port to id.
func (p *Provider) listInstances(ctx context.Context, job *collector.Job) (map[string]string, error) {
	out := make(map[string]string)
	for page := 1; ; page++ {
		body, err := p.client.Do(ctx, apicall.Request{
			Title:            "Fetching New Relic application instances",
			AccountID:        job.AccountID,
			StateExecutionID: job.StateExecutionID,
			Method:           http.MethodGet,
			URL:              fmt.Sprintf("%s/v2/applications/%s/instances.json?page=%d", baseURL(job), url.PathEscape(p.queries.ApplicationID), page),
			Headers:          headers(job.Connection.Secret("api_key")),
			Secrets:          job.Connection.Secrets,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeConfig, "list new relic instances")
		}
		var resp instancesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errors.Wrap(err, errors.CodeConfig, "decode new relic instances")
		}
		if len(resp.Instances) == 0 {
			return out, nil
		}
		for _, in := range resp.Instances {
			id := strconv.FormatInt(in.ID, 10)
			out[in.Host] = id
			out[fmt.Sprintf("%s:%d", in.Host, in.Port)] = id
		}
	}
}

func baseURL(job *collector.Job) string {
	if job.Connection.URL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(job.Connection.URL, "/")
}

func headers(apiKey string) map[string]string {
	return map[string]string{"X-Api-Key": apiKey, "Accept": "application/json"}
}

func (p *Provider) BuildRequests(_ context.Context, t *collector.Tick) ([]collector.Request, error) {
	base := baseURL(t.Job)
	h := headers(t.Secret("api_key"))
	batches := template.Chunk(p.queries.Metrics, MaxNamesPerCall)

	var reqs []collector.Request
	for _, host := range t.Job.HostNames() {
		id, ok := p.instances[host]
		if !ok {
			continue
		}
		for _, d := range t.DayOffsets {
			w := t.WindowFor(d)
			for _, names := range batches {
				params := url.Values{}
				for _, n := range names {
					params.Add("names[]", n)
				}
				params.Set("from", w.Start.UTC().Format(time.RFC3339))
				params.Set("to", w.End.UTC().Format(time.RFC3339))
				params.Set("period", "60")
				params.Set("summarize", "false")
				reqs = append(reqs, collector.Request{
					Method:  http.MethodGet,
					URL:     fmt.Sprintf("%s/v2/applications/%s/instances/%s/metrics/data.json?%s", base, url.PathEscape(p.queries.ApplicationID), url.PathEscape(id), params.Encode()),
					Headers: h,
					Tag:     collector.Tag{Hosts: []string{host}, DayOffset: d, Key: id},
				})
			}
		}
	}
	return reqs, nil
}

type dataResponse struct {
	MetricData struct {
		Metrics []struct {
			Name       string `json:"name"`
			Timeslices []struct {
				From   time.Time      `json:"from"`
				Values map[string]any `json:"values"`
			} `json:"timeslices"`
		} `json:"metrics"`
	} `json:"metric_data"`
}

func (p *Provider) ParseResponse(t *collector.Tick, req collector.Request, body []byte) ([]*record.MetricRecord, error) {
	if len(req.Tag.Hosts) != 1 {
		return nil, errors.New(errors.CodeInternal, "new relic request without a host")
	}
	host := req.Tag.Hosts[0]

	var resp dataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	var out []*record.MetricRecord
	for _, m := range resp.MetricData.Metrics {
		for _, slice := range m.Timeslices {
			ts := slice.From.UnixMilli()
			if !t.InWindow(ts, req.Tag.DayOffset) {
				continue
			}
			values := make(map[string]float64, len(slice.Values))
			for k, raw := range slice.Values {
				if len(p.values) > 0 {
					if _, keep := p.values[k]; !keep {
						continue
					}
				}
				if f, ok := raw.(float64); ok {
					values[k] = f
				}
			}
			if len(values) == 0 {
				continue
			}
			out = append(out, t.NewRecord(m.Name, host, ts, values))
		}
	}
	return out, nil
}
