package prometheus

import (
	"context"
	"net/url"
	"strconv"
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

func newTick(t *testing.T, strategy record.ComparisonStrategy) (*Provider, *collector.Tick) {
	job := &collector.Job{
		Provider:   Name,
		Connection: secrets.Connection{URL: "http://prom:9090/", Secrets: map[string]string{"token": "s3cr3t"}},
		Hosts:      map[string]string{"web-1": "prod", "web-2": "prod"},
		StartTime:  start,
		Queries: map[string]any{
			"metrics": []any{
				map[string]any{"name": "checkout", "metric": "latency", "query": `rate(http_seconds{instance="${host}"}[1m])`},
			},
		},
	}
	p := New()
	require.NoError(t, p.Init(context.Background(), job))
	return p, &collector.Tick{
		Job:        job,
		Window:     record.WindowFor(start, 0, 2),
		DayOffsets: record.DayOffsets(strategy),
	}
}

func TestBuildRequests(t *testing.T) {
	p, tick := newTick(t, record.CompareWithPrevious)

	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	u, err := url.Parse(reqs[0].URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/query_range", u.Path)
	q := u.Query()
	assert.Equal(t, `rate(http_seconds{instance="web-1"}[1m])`, q.Get("query"))
	assert.Equal(t, "1714557600", q.Get("start"))
	assert.Equal(t, "1714557660", q.Get("end"))
	assert.Equal(t, "60s", q.Get("step"))
	assert.Equal(t, "Bearer s3cr3t", reqs[0].Headers["Authorization"])
	assert.Equal(t, []string{"web-1"}, reqs[0].Tag.Hosts)
	assert.Equal(t, []string{"web-2"}, reqs[1].Tag.Hosts)
}

func TestBuildRequestsPerDayOffset(t *testing.T) {
	p, tick := newTick(t, record.CompareWithCurrent)

	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)
	assert.Len(t, reqs, 2*len(tick.DayOffsets))

	last := reqs[len(reqs)-1]
	u, err := url.Parse(last.URL)
	require.NoError(t, err)
	shifted := start.AddDate(0, 0, -last.Tag.DayOffset).Unix()
	assert.Equal(t, shifted, mustInt(t, u.Query().Get("start")))
}

func TestParseResponse(t *testing.T) {
	p, tick := newTick(t, record.CompareWithPrevious)
	req := collector.Request{Tag: collector.Tag{Hosts: []string{"web-1"}, Key: "0"}}

	body := []byte(`{"status":"success","data":{"resultType":"matrix","result":[
		{"metric":{"instance":"web-1:9100"},"values":[[1714557600,"0.25"],[1714557660,"0.5"],[1714557720,"9"],[1714557630,"NaN-ish"]]}
	]}}`)
	recs, err := p.ParseResponse(tick, req, body)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "checkout", recs[0].Name)
	assert.Equal(t, "web-1", recs[0].Host)
	assert.Equal(t, "prod", recs[0].GroupName)
	assert.Equal(t, start.UnixMilli(), recs[0].Timestamp)
	assert.Equal(t, 0.25, recs[0].Values["latency"])
	assert.Equal(t, 0.5, recs[1].Values["latency"])
}

func TestParseResponseErrors(t *testing.T) {
	p, tick := newTick(t, record.CompareWithPrevious)
	req := collector.Request{Tag: collector.Tag{Hosts: []string{"web-1"}, Key: "0"}}

	_, err := p.ParseResponse(tick, req, []byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")

	_, err = p.ParseResponse(tick, req, []byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	assert.Error(t, err)

	_, err = p.ParseResponse(tick, req, []byte(`not json`))
	assert.Error(t, err)
}

func TestMultiHostSeriesMatchedByLabel(t *testing.T) {
	p, tick := newTick(t, record.CompareWithPrevious)
	req := collector.Request{Tag: collector.Tag{Hosts: []string{"web-1", "web-2"}, Key: "0"}}

	body := []byte(`{"status":"success","data":{"resultType":"matrix","result":[
		{"metric":{"instance":"web-2"},"values":[[1714557600,"1"]]},
		{"metric":{"instance":"other"},"values":[[1714557600,"2"]]}
	]}}`)
	recs, err := p.ParseResponse(tick, req, body)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "web-2", recs[0].Host)
}

func TestInitValidation(t *testing.T) {
	err := New().Init(context.Background(), &collector.Job{Provider: Name})
	assert.True(t, errors.IsCode(err, errors.CodeConfig))

	err = New().Init(context.Background(), &collector.Job{
		Provider:   Name,
		Connection: secrets.Connection{URL: "http://prom"},
		Queries:    map[string]any{"metrics": []any{map[string]any{"name": "x"}}},
	})
	assert.True(t, errors.IsCode(err, errors.CodeConfig))
}

func mustInt(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}
