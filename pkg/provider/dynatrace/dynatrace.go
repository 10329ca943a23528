// Package dynatrace collects service method timeseries from the Dynatrace v1 timeseries API.
// Dynatrace data is service level, so records are reported under the workflow level dummy host.
package dynatrace

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/record"
)

const Name = "DYNA_TRACE"

type Timeseries struct {
	ID string `mapstructure:"id" validate:"required"`
	// Name is the value key, e.g. "response_time".
	Name            string `mapstructure:"name" validate:"required"`
	AggregationType string `mapstructure:"aggregation_type"`
	Percentile      int    `mapstructure:"percentile" validate:"gte=0,lte=100"`
}

type Queries struct {
	// ServiceEntities filters the service methods reported, e.g. "SERVICE-6D2C5F8A1E".
	ServiceEntities []string     `mapstructure:"service_entities"`
	Timeseries      []Timeseries `mapstructure:"timeseries" validate:"required,min=1,dive"`
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
		return errors.New(errors.CodeConfig, "dynatrace url is required")
	}
	if job.Connection.Secret("api_token") == "" {
		return errors.New(errors.CodeConfig, "dynatrace api_token is required")
	}
	return job.DecodeQueries(&p.queries)
}

type query struct {
	TimeseriesID    string   `json:"timeseriesId"`
	StartTimestamp  int64    `json:"startTimestamp"`
	EndTimestamp    int64    `json:"endTimestamp"`
	QueryMode       string   `json:"queryMode"`
	AggregationType string   `json:"aggregationType,omitempty"`
	Percentile      int      `json:"percentile,omitempty"`
	Entities        []string `json:"entities,omitempty"`
}

func (p *Provider) BuildRequests(_ context.Context, t *collector.Tick) ([]collector.Request, error) {
	endpoint := strings.TrimRight(t.Job.Connection.URL, "/") + "/api/v1/timeseries"
	headers := map[string]string{
		"Authorization": "Api-Token " + t.Secret("api_token"),
		"Content-Type":  "application/json",
	}

	var reqs []collector.Request
	for i, ts := range p.queries.Timeseries {
		for _, d := range t.DayOffsets {
			w := t.WindowFor(d)
			body, err := json.Marshal(query{
				TimeseriesID:    ts.ID,
				StartTimestamp:  w.StartMillis(),
				EndTimestamp:    w.EndMillis(),
				QueryMode:       "series",
				AggregationType: strings.ToLower(ts.AggregationType),
				Percentile:      ts.Percentile,
				Entities:        p.queries.ServiceEntities,
			})
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeInternal, "encode dynatrace query")
			}
			reqs = append(reqs, collector.Request{
				Method:  http.MethodPost,
				URL:     endpoint,
				Headers: headers,
				Body:    body,
				Tag:     collector.Tag{DayOffset: d, Key: strconv.Itoa(i)},
			})
		}
	}
	return reqs, nil
}

type response struct {
	Result struct {
		DataPoints map[string][][2]*float64 `json:"dataPoints"`
		// Entities maps an entity id (possibly "A, B" for combined keys) to its display name.
		Entities     map[string]string `json:"entities"`
		TimeseriesID string            `json:"timeseriesId"`
		Unit         string            `json:"unit"`
	} `json:"result"`
}

func (p *Provider) ParseResponse(t *collector.Tick, req collector.Request, body []byte) ([]*record.MetricRecord, error) {
	idx, err := strconv.Atoi(req.Tag.Key)
	if err != nil || idx < 0 || idx >= len(p.queries.Timeseries) {
		return nil, errors.New(errors.CodeInternal, "request tag %q does not name a timeseries", req.Tag.Key)
	}
	ts := p.queries.Timeseries[idx]

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	var out []*record.MetricRecord
	for entity, points := range resp.Result.DataPoints {
		name := entityName(entity, resp.Result.Entities)
		for _, pt := range points {
			if pt[0] == nil || pt[1] == nil {
				continue
			}
			at := int64(*pt[0])
			if !t.InWindow(at, req.Tag.DayOffset) {
				continue
			}
			out = append(out, t.NewRecord(name, record.HeartbeatHost, at, map[string]float64{ts.Name: *pt[1]}))
		}
	}
	return out, nil
}

// entityName resolves a data point key to a display name. Combined keys take the name of their last
// resolvable part, which is the service method.
func entityName(key string, names map[string]string) string {
	if n, ok := names[key]; ok {
		return n
	}
	parts := strings.Split(key, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		if n, ok := names[strings.TrimSpace(parts[i])]; ok {
			return n
		}
	}
	return key
}
