package newrelic

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/secrets"
)

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newClient() *apicall.Client {
	hc := &http.Client{}
	gock.InterceptClient(hc)
	return apicall.NewClient(hc, nil, 0)
}

func newJob(metrics []any) *collector.Job {
	return &collector.Job{
		Provider: Name,
		Connection: secrets.Connection{
			URL:     "https://nr.example.com",
			Secrets: map[string]string{"api_key": "nr-key"},
		},
		Hosts:     map[string]string{"web-1": "prod", "web-2": "prod", "web-3": "canary"},
		StartTime: start,
		Queries: map[string]any{
			"application_id": "42",
			"metrics":        metrics,
			"values":         []any{"average_response_time", "call_count"},
			"instances":      map[string]any{"web-1": "1001"},
		},
	}
}

func TestInitResolvesMissingInstances(t *testing.T) {
	defer gock.Off()
	gock.New("https://nr.example.com").
		Get("/v2/applications/42/instances.json").
		MatchParam("page", "1").
		MatchHeader("X-Api-Key", "nr-key").
		Reply(200).
		JSON(map[string]any{"application_instances": []any{
			map[string]any{"id": 2002, "host": "web-2", "port": 8080},
		}})
	gock.New("https://nr.example.com").
		Get("/v2/applications/42/instances.json").
		MatchParam("page", "2").
		Reply(200).
		JSON(map[string]any{"application_instances": []any{}})

	p := New(newClient())
	require.NoError(t, p.Init(context.Background(), newJob([]any{"WebTransaction/checkout"})))
	assert.True(t, gock.IsDone())
	assert.Equal(t, map[string]string{"web-1": "1001", "web-2": "2002"}, p.instances)
}

func TestBuildRequestsBatchesNames(t *testing.T) {
	names := make([]any, 0, 31)
	for i := 0; i < 31; i++ {
		names = append(names, fmt.Sprintf("WebTransaction/txn-%02d", i))
	}
	job := newJob(names)
	job.Queries["instances"] = map[string]any{"web-1": "1001", "web-2": "2002", "web-3": "3003"}

	p := New(newClient())
	require.NoError(t, p.Init(context.Background(), job))
	tick := &collector.Tick{Job: job, Window: record.WindowFor(start, 0, 2), DayOffsets: []int{0}}

	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)
	require.Len(t, reqs, 6)

	u, err := url.Parse(reqs[0].URL)
	require.NoError(t, err)
	assert.Equal(t, "/v2/applications/42/instances/1001/metrics/data.json", u.Path)
	assert.Len(t, u.Query()["names[]"], MaxNamesPerCall)
	assert.Equal(t, "2024-05-01T10:00:00Z", u.Query().Get("from"))
	assert.Equal(t, "2024-05-01T10:02:00Z", u.Query().Get("to"))
	assert.Equal(t, "nr-key", reqs[0].Headers["X-Api-Key"])
	assert.Equal(t, []string{"web-1"}, reqs[0].Tag.Hosts)

	u, err = url.Parse(reqs[1].URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"WebTransaction/txn-30"}, u.Query()["names[]"])
}

func TestParseResponse(t *testing.T) {
	job := newJob([]any{"WebTransaction/checkout"})
	job.Queries["instances"] = map[string]any{"web-1": "1001", "web-2": "2002", "web-3": "3003"}
	p := New(newClient())
	require.NoError(t, p.Init(context.Background(), job))
	tick := &collector.Tick{Job: job, Window: record.WindowFor(start, 0, 2), DayOffsets: []int{0}}

	body := []byte(`{"metric_data":{"metrics":[{"name":"WebTransaction/checkout","timeslices":[
		{"from":"2024-05-01T10:00:00+00:00","to":"2024-05-01T10:01:00+00:00","values":{"average_response_time":12.5,"call_count":40,"requests_per_minute":40}},
		{"from":"2024-05-01T10:01:00+00:00","to":"2024-05-01T10:02:00+00:00","values":{"average_response_time":0,"call_count":0}},
		{"from":"2024-05-01T10:02:00+00:00","to":"2024-05-01T10:03:00+00:00","values":{"call_count":5}}
	]}]}}`)
	recs, err := p.ParseResponse(tick, collector.Request{Tag: collector.Tag{Hosts: []string{"web-3"}}}, body)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "WebTransaction/checkout", recs[0].Name)
	assert.Equal(t, "web-3", recs[0].Host)
	assert.Equal(t, "canary", recs[0].GroupName)
	assert.Equal(t, map[string]float64{"average_response_time": 12.5, "call_count": 40}, recs[0].Values)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), recs[1].Timestamp)
}

func TestInitRequiresAPIKey(t *testing.T) {
	job := newJob([]any{"WebTransaction/checkout"})
	job.Connection.Secrets = nil
	err := New(nil).Init(context.Background(), job)
	assert.True(t, errors.IsCode(err, errors.CodeConfig))
}
