package apm

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/secrets"
)

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newJob(metrics ...map[string]any) *collector.Job {
	list := make([]any, 0, len(metrics))
	for _, m := range metrics {
		list = append(list, m)
	}
	return &collector.Job{
		Provider: Name,
		Connection: secrets.Connection{
			URL:     "https://apm.example.com/",
			Secrets: map[string]string{"api_key": "k-123"},
		},
		Hosts:     map[string]string{"web-1": "prod", "web-2": "prod"},
		StartTime: start,
		Queries: map[string]any{
			"headers": map[string]any{"DD-API-KEY": "${api_key}"},
			"options": map[string]any{"from": "${start_time_seconds}"},
			"metrics": list,
		},
	}
}

func datadogMetric() map[string]any {
	return map[string]any{
		"name": "latency",
		"url":  "api/v1/query?query=avg:trace.latency{$harness_batch{host:${host}, OR }}&to=${end_time_seconds}",
		"response": map[string]any{
			"txn_name":         "checkout",
			"value_path":       "series[*].pointlist[*].[1]",
			"timestamp_path":   "series[*].pointlist[*].[0]",
			"timestamp_format": "millis",
			"host_path":        "series[*].pointlist[*].[2]",
			"host_regex":       "host:(.*)",
		},
	}
}

func newTick(t *testing.T, job *collector.Job) (*Provider, *collector.Tick) {
	p := New()
	require.NoError(t, p.Init(context.Background(), job))
	return p, &collector.Tick{Job: job, Window: record.WindowFor(start, 0, 2), DayOffsets: []int{0}}
}

func TestBuildRequestsBatchesHosts(t *testing.T) {
	p, tick := newTick(t, newJob(datadogMetric()))

	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, []string{"web-1", "web-2"}, req.Tag.Hosts)
	assert.Equal(t, "k-123", req.Headers["DD-API-KEY"])
	assert.Nil(t, req.Body)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "apm.example.com", u.Host)
	assert.Equal(t, "/api/v1/query", u.Path)
	assert.Equal(t, "avg:trace.latency{host:web-1 OR host:web-2}", u.Query().Get("query"))
	assert.Equal(t, "1714557720", u.Query().Get("to"))
	assert.Equal(t, "1714557600", u.Query().Get("from"))
}

func TestBuildRequestsPostBodyPerHost(t *testing.T) {
	m := map[string]any{
		"name":   "errors",
		"method": "POST",
		"url":    "https://other.example.com/search",
		"body":   `{"host":"${host}","from":${start_time}}`,
		"response": map[string]any{
			"txn_name_path": "rows[*].txn",
			"value_path":    "rows[*].count",
		},
	}
	p, tick := newTick(t, newJob(m))

	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.JSONEq(t, `{"host":"web-1","from":1714557600000}`, string(reqs[0].Body))
	assert.JSONEq(t, `{"host":"web-2","from":1714557600000}`, string(reqs[1].Body))
	assert.Contains(t, reqs[0].URL, "https://other.example.com/search?from=1714557600")
}

func TestParseResponse(t *testing.T) {
	p, tick := newTick(t, newJob(datadogMetric()))
	req := collector.Request{Tag: collector.Tag{Hosts: []string{"web-1", "web-2"}, Key: "0"}}

	body := []byte(`{"series":[{"pointlist":[
		[1714557600000, 1.5, "host:web-1"],
		[1714557660000, "2.5", "host:web-2"],
		[1714557720000, 9, "host:web-1"],
		[1714557600000, 4, "host:stranger"],
		[1714557600000, null, "host:web-2"]
	]}]}`)
	recs, err := p.ParseResponse(tick, req, body)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "checkout", recs[0].Name)
	assert.Equal(t, "web-1", recs[0].Host)
	assert.Equal(t, "prod", recs[0].GroupName)
	assert.Equal(t, 1.5, recs[0].Values["latency"])
	assert.Equal(t, "web-2", recs[1].Host)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), recs[1].Timestamp)
	assert.Equal(t, 2.5, recs[1].Values["latency"])
}

func TestParseResponseWithoutTimestampOrHost(t *testing.T) {
	m := map[string]any{
		"name": "count",
		"url":  "stats",
		"response": map[string]any{
			"txn_name_path":  "rows[*].txn",
			"txn_name_regex": "^txn-(\\w+)$",
			"value_path":     "rows[*].value",
		},
	}
	p, tick := newTick(t, newJob(m))
	req := collector.Request{Tag: collector.Tag{Hosts: []string{"web-1", "web-2"}, Key: "0"}}

	recs, err := p.ParseResponse(tick, req, []byte(`{"rows":[{"txn":"txn-login","value":3},{"txn":"other","value":1}]}`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "login", recs[0].Name)
	assert.Equal(t, record.HeartbeatHost, recs[0].Host)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), recs[0].Timestamp)
}

func TestInitRejectsBadMapping(t *testing.T) {
	both := datadogMetric()
	both["response"].(map[string]any)["txn_name_path"] = "a.b"
	err := New().Init(context.Background(), newJob(both))
	assert.True(t, errors.IsCode(err, errors.CodeConfig))

	badRegex := datadogMetric()
	badRegex["response"].(map[string]any)["host_regex"] = "("
	err = New().Init(context.Background(), newJob(badRegex))
	assert.True(t, errors.IsCode(err, errors.CodeConfig))

	noValue := datadogMetric()
	delete(noValue["response"].(map[string]any), "value_path")
	err = New().Init(context.Background(), newJob(noValue))
	assert.True(t, errors.IsCode(err, errors.CodeConfig))
}
