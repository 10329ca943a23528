// Package cloudwatch collects metric statistics from AWS CloudWatch through the AWS SDK. SDK clients
// are cached per region and credentials in the shared artifact cache.
package cloudwatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/artifact"
	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/record"
)

const (
	Name   = "CLOUD_WATCH"
	period = 60
)

// API is the subset of the CloudWatch client used here.
type API interface {
	GetMetricStatistics(ctx context.Context, in *cw.GetMetricStatisticsInput, optFns ...func(*cw.Options)) (*cw.GetMetricStatisticsOutput, error)
}

// Credentials are static keys; empty keys use the default AWS credential chain.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// ClientFactory builds an API client for a region.
type ClientFactory func(ctx context.Context, region string, creds Credentials) (API, error)

type Metric struct {
	Namespace  string `mapstructure:"namespace" validate:"required"`
	MetricName string `mapstructure:"metric_name" validate:"required"`
	Statistic  string `mapstructure:"statistic" validate:"omitempty,oneof=Average Sum Minimum Maximum SampleCount"`
	// Dimension is matched against each host, e.g. InstanceId. With DimensionValue set the metric is
	// service level and reported under the dummy host.
	Dimension      string `mapstructure:"dimension"`
	DimensionValue string `mapstructure:"dimension_value"`
	// Name is the series name, Namespace when empty.
	Name string `mapstructure:"name"`
}

type Queries struct {
	Metrics []Metric `mapstructure:"metrics" validate:"required,min=1,dive"`
}

type Option func(*Provider)

// WithClientFactory replaces the SDK client construction.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Provider) {
		p.factory = f
	}
}

type Provider struct {
	client    *apicall.Client
	artifacts *artifact.Cache
	factory   ClientFactory
	queries   Queries
}

func New(client *apicall.Client, artifacts *artifact.Cache, opts ...Option) *Provider {
	if client == nil {
		client = apicall.NewClient(nil, nil, 0)
	}
	if artifacts == nil {
		artifacts = artifact.New(0)
	}
	p := &Provider{client: client, artifacts: artifacts}
	p.factory = p.sdkClient
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) sdkClient(ctx context.Context, region string, creds Credentials) (API, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(p.client.HTTPClient()),
	}
	if creds.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "load aws config")
	}
	return cw.NewFromConfig(cfg), nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Init(_ context.Context, job *collector.Job) error {
	if job.Connection.Region == "" {
		return errors.New(errors.CodeConfig, "cloudwatch region is required")
	}
	if err := job.DecodeQueries(&p.queries); err != nil {
		return err
	}
	for i := range p.queries.Metrics {
		m := &p.queries.Metrics[i]
		if m.Statistic == "" {
			m.Statistic = string(types.StatisticAverage)
		}
		if m.Name == "" {
			m.Name = m.Namespace
		}
	}
	return nil
}

// BuildRequests emits one request per metric, day and host. The request carries no URL; Fetch
// resolves it through the SDK.
func (p *Provider) BuildRequests(_ context.Context, t *collector.Tick) ([]collector.Request, error) {
	var reqs []collector.Request
	for i, m := range p.queries.Metrics {
		key := strconv.Itoa(i)
		for _, d := range t.DayOffsets {
			if m.Dimension == "" || m.DimensionValue != "" {
				reqs = append(reqs, collector.Request{Tag: collector.Tag{DayOffset: d, Key: key}})
				continue
			}
			for _, h := range t.Job.HostNames() {
				reqs = append(reqs, collector.Request{Tag: collector.Tag{Hosts: []string{h}, DayOffset: d, Key: key}})
			}
		}
	}
	return reqs, nil
}

func (p *Provider) ParseResponse(*collector.Tick, collector.Request, []byte) ([]*record.MetricRecord, error) {
	return nil, errors.New(errors.CodeInternal, "cloudwatch responses are fetched through the sdk")
}

func (p *Provider) api(ctx context.Context, job *collector.Job) (API, error) {
	conn := job.Connection
	creds := Credentials{AccessKey: conn.Secret("access_key"), SecretKey: conn.Secret("secret_key")}
	key := artifact.Key(Name, conn.Region, creds.AccessKey, creds.SecretKey)
	v, err := p.artifacts.GetOrCreate(key, func() (any, error) {
		return p.factory(ctx, conn.Region, creds)
	})
	if err != nil {
		return nil, err
	}
	return v.(API), nil
}

func (p *Provider) Fetch(ctx context.Context, t *collector.Tick, req collector.Request) ([]*record.MetricRecord, error) {
	idx, err := strconv.Atoi(req.Tag.Key)
	if err != nil || idx < 0 || idx >= len(p.queries.Metrics) {
		return nil, errors.New(errors.CodeInternal, "request tag %q does not name a metric", req.Tag.Key)
	}
	m := p.queries.Metrics[idx]

	client, err := p.api(ctx, t.Job)
	if err != nil {
		return nil, err
	}

	host := record.HeartbeatHost
	in := &cw.GetMetricStatisticsInput{
		Namespace:  aws.String(m.Namespace),
		MetricName: aws.String(m.MetricName),
		StartTime:  aws.Time(t.WindowFor(req.Tag.DayOffset).Start),
		EndTime:    aws.Time(t.WindowFor(req.Tag.DayOffset).End),
		Period:     aws.Int32(period),
		Statistics: []types.Statistic{types.Statistic(m.Statistic)},
	}
	switch {
	case m.DimensionValue != "":
		in.Dimensions = []types.Dimension{{Name: aws.String(m.Dimension), Value: aws.String(m.DimensionValue)}}
	case m.Dimension != "" && len(req.Tag.Hosts) == 1:
		host = req.Tag.Hosts[0]
		in.Dimensions = []types.Dimension{{Name: aws.String(m.Dimension), Value: aws.String(host)}}
	}

	entry := &apicall.Log{
		AccountID:        t.Job.AccountID,
		StateExecutionID: t.Job.StateExecutionID,
		Title:            fmt.Sprintf("Fetching CloudWatch %s/%s for %s", m.Namespace, m.MetricName, host),
		Method:           "GetMetricStatistics",
		URL:              fmt.Sprintf("cloudwatch://%s/%s/%s", t.Job.Connection.Region, m.Namespace, m.MetricName),
		Start:            time.Now(),
	}
	out, err := client.GetMetricStatistics(ctx, in)
	entry.End = time.Now()
	if err != nil {
		entry.Error = err.Error()
		p.client.Audit().Save(ctx, entry)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.CodeTransient, "cloudwatch %s/%s", m.Namespace, m.MetricName)
	}
	entry.StatusCode = 200
	entry.ResponseBody = fmt.Sprintf("%d datapoints", len(out.Datapoints))
	p.client.Audit().Save(ctx, entry)

	var recs []*record.MetricRecord
	for _, dp := range out.Datapoints {
		if dp.Timestamp == nil {
			continue
		}
		v, ok := statistic(dp, m.Statistic)
		if !ok {
			continue
		}
		ts := dp.Timestamp.UnixMilli()
		if !t.InWindow(ts, req.Tag.DayOffset) {
			continue
		}
		recs = append(recs, t.NewRecord(m.Name, host, ts, map[string]float64{m.MetricName: v}))
	}
	return recs, nil
}

func statistic(dp types.Datapoint, stat string) (float64, bool) {
	var v *float64
	switch types.Statistic(stat) {
	case types.StatisticAverage:
		v = dp.Average
	case types.StatisticSum:
		v = dp.Sum
	case types.StatisticMinimum:
		v = dp.Minimum
	case types.StatisticMaximum:
		v = dp.Maximum
	case types.StatisticSampleCount:
		v = dp.SampleCount
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}
