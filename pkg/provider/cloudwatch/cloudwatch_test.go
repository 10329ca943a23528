package cloudwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/artifact"
	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/secrets"
)

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu    sync.Mutex
	calls []*cw.GetMetricStatisticsInput
	err   error
}

func (f *fakeAPI) GetMetricStatistics(_ context.Context, in *cw.GetMetricStatisticsInput, _ ...func(*cw.Options)) (*cw.GetMetricStatisticsOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &cw.GetMetricStatisticsOutput{Datapoints: []types.Datapoint{
		{Timestamp: aws.Time(*in.StartTime), Average: aws.Float64(41.5)},
		{Timestamp: aws.Time(in.StartTime.Add(time.Minute)), Average: aws.Float64(43)},
		{Timestamp: aws.Time(*in.EndTime), Average: aws.Float64(99)},
		{Timestamp: aws.Time(*in.StartTime), Sum: aws.Float64(1)},
	}}, nil
}

type recorder struct {
	mu   sync.Mutex
	logs []*apicall.Log
}

func (r *recorder) Save(_ context.Context, l *apicall.Log) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
}

func newJob() *collector.Job {
	return &collector.Job{
		Provider: Name,
		Connection: secrets.Connection{
			Region:  "us-east-1",
			Secrets: map[string]string{"access_key": "AKIA", "secret_key": "shh"},
		},
		Hosts:     map[string]string{"i-0abc": "prod", "i-0def": "prod"},
		StartTime: start,
		Queries: map[string]any{"metrics": []any{
			map[string]any{"namespace": "AWS/EC2", "metric_name": "CPUUtilization", "dimension": "InstanceId"},
			map[string]any{"namespace": "AWS/ELB", "metric_name": "Latency", "dimension": "LoadBalancerName", "dimension_value": "shop-lb", "name": "shop-lb"},
		}},
	}
}

func setup(t *testing.T, api *fakeAPI) (*Provider, *collector.Tick, *recorder, *int) {
	rec := &recorder{}
	builds := 0
	p := New(apicall.NewClient(nil, rec, 0), artifact.New(time.Minute), WithClientFactory(
		func(_ context.Context, region string, creds Credentials) (API, error) {
			assert.Equal(t, "us-east-1", region)
			assert.Equal(t, Credentials{AccessKey: "AKIA", SecretKey: "shh"}, creds)
			builds++
			return api, nil
		}))
	job := newJob()
	require.NoError(t, p.Init(context.Background(), job))
	return p, &collector.Tick{Job: job, Window: record.WindowFor(start, 0, 2), DayOffsets: []int{0}}, rec, &builds
}

func TestBuildRequests(t *testing.T) {
	p, tick, _, _ := setup(t, &fakeAPI{})

	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"i-0abc"}, reqs[0].Tag.Hosts)
	assert.Equal(t, []string{"i-0def"}, reqs[1].Tag.Hosts)
	assert.Empty(t, reqs[2].Tag.Hosts)
	assert.Equal(t, "1", reqs[2].Tag.Key)
}

func TestFetchPerHost(t *testing.T) {
	api := &fakeAPI{}
	p, tick, audit, builds := setup(t, api)
	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)

	recs, err := p.Fetch(context.Background(), tick, reqs[0])
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AWS/EC2", recs[0].Name)
	assert.Equal(t, "i-0abc", recs[0].Host)
	assert.Equal(t, "prod", recs[0].GroupName)
	assert.Equal(t, 41.5, recs[0].Values["CPUUtilization"])
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), recs[1].Timestamp)

	in := api.calls[0]
	assert.Equal(t, "AWS/EC2", aws.ToString(in.Namespace))
	assert.Equal(t, int32(60), aws.ToInt32(in.Period))
	assert.Equal(t, []types.Statistic{types.StatisticAverage}, in.Statistics)
	require.Len(t, in.Dimensions, 1)
	assert.Equal(t, "InstanceId", aws.ToString(in.Dimensions[0].Name))
	assert.Equal(t, "i-0abc", aws.ToString(in.Dimensions[0].Value))

	recs, err = p.Fetch(context.Background(), tick, reqs[2])
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "shop-lb", recs[0].Name)
	assert.Equal(t, record.HeartbeatHost, recs[0].Host)
	assert.Equal(t, "shop-lb", aws.ToString(api.calls[1].Dimensions[0].Value))

	assert.Equal(t, 1, *builds, "sdk client is cached")
	require.Len(t, audit.logs, 2)
	assert.Equal(t, 200, audit.logs[0].StatusCode)
	assert.NotContains(t, audit.logs[0].URL, "shh")
}

func TestFetchErrorIsTransient(t *testing.T) {
	p, tick, audit, _ := setup(t, &fakeAPI{err: assert.AnError})
	reqs, err := p.BuildRequests(context.Background(), tick)
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), tick, reqs[0])
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTransient))
	require.Len(t, audit.logs, 1)
	assert.NotEmpty(t, audit.logs[0].Error)
}

func TestInitRequiresRegion(t *testing.T) {
	job := newJob()
	job.Connection.Region = ""
	assert.True(t, errors.IsCode(New(nil, nil).Init(context.Background(), job), errors.CodeConfig))
}
