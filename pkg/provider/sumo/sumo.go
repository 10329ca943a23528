// Package sumo collects log messages through the Sumo Logic search job API: a job is created per
// query, polled until it has gathered all results, its messages are paged and the job is deleted.
package sumo

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/logger"
	"github.com/delegate-collector/pkg/provider/internal/extract"
	"github.com/delegate-collector/pkg/provider/internal/logs"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/template"
)

const Name = "SUMO"

// Search job states.
const (
	StateDone      = "DONE GATHERING RESULTS"
	StateCancelled = "CANCELLED"
	StatePaused    = "FORCE PAUSED"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPageSize     = 1000
	defaultMaxMessages  = 10000
	pageConcurrency     = 4
	deleteTimeout       = 10 * time.Second
)

type Queries struct {
	Query          string        `mapstructure:"query" validate:"required"`
	Name           string        `mapstructure:"name"`
	HostnameField  string        `mapstructure:"hostname_field"`
	MessageField   string        `mapstructure:"message_field"`
	TimestampField string        `mapstructure:"timestamp_field"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
	PageSize       int           `mapstructure:"page_size" validate:"gte=0,lte=10000"`
	MaxMessages    int           `mapstructure:"max_messages" validate:"gte=0"`
}

type Provider struct {
	client  *apicall.Client
	clock   clockwork.Clock
	queries Queries
}

func New(client *apicall.Client, clock clockwork.Clock) *Provider {
	if client == nil {
		client = apicall.NewClient(nil, nil, 0)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{client: client, clock: clock}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Init(_ context.Context, job *collector.Job) error {
	if job.Connection.URL == "" {
		return errors.New(errors.CodeConfig, "sumo url is required")
	}
	if accessID(job) == "" || job.Connection.Secret("access_key") == "" {
		return errors.New(errors.CodeConfig, "sumo access_id and access_key are required")
	}
	if err := job.DecodeQueries(&p.queries); err != nil {
		return err
	}
	q := &p.queries
	if q.Name == "" {
		q.Name = q.Query
	}
	if q.HostnameField == "" {
		q.HostnameField = "_sourcehost"
	}
	if q.MessageField == "" {
		q.MessageField = "_raw"
	}
	if q.TimestampField == "" {
		q.TimestampField = "_messagetime"
	}
	if q.PollInterval == 0 {
		q.PollInterval = defaultPollInterval
	}
	if q.PageSize == 0 {
		q.PageSize = defaultPageSize
	}
	if q.MaxMessages == 0 {
		q.MaxMessages = defaultMaxMessages
	}
	return nil
}

func accessID(job *collector.Job) string {
	if job.Connection.Username != "" {
		return job.Connection.Username
	}
	return job.Connection.Secret("access_id")
}

func (p *Provider) BuildRequests(_ context.Context, t *collector.Tick) ([]collector.Request, error) {
	endpoint := strings.TrimRight(t.Job.Connection.URL, "/") + "/v1/search/jobs"
	var reqs []collector.Request
	for _, d := range t.DayOffsets {
		queries, err := template.Expand(p.queries.Query, t.Job.HostNames(), t.Vars("", d))
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeConfig, "expand sumo query")
		}
		for _, q := range queries {
			reqs = append(reqs, collector.Request{
				Method: http.MethodPost,
				URL:    endpoint,
				Body:   []byte(q.Text),
				Tag:    collector.Tag{Hosts: q.Hosts, DayOffset: d, Key: p.queries.Name},
			})
		}
	}
	return reqs, nil
}

// ParseResponse parses one messages page.
func (p *Provider) ParseResponse(t *collector.Tick, req collector.Request, body []byte) ([]*record.MetricRecord, error) {
	page, err := decodePage(body)
	if err != nil {
		return nil, err
	}
	return p.aggregate(t, req, [][]map[string]any{page})
}

// Fetch runs the search job for req and returns the aggregated log records.
func (p *Provider) Fetch(ctx context.Context, t *collector.Tick, req collector.Request) ([]*record.MetricRecord, error) {
	s := &session{p: p, job: t.Job, endpoint: req.URL, headers: headers(t.Job)}
	w := t.WindowFor(req.Tag.DayOffset)

	id, err := s.create(ctx, string(req.Body), w)
	if err != nil {
		return nil, err
	}
	defer s.remove(ctx, id)

	count, err := s.await(ctx, id)
	if err != nil {
		return nil, err
	}
	pages, err := s.messages(ctx, id, count)
	if err != nil {
		return nil, err
	}
	return p.aggregate(t, req, pages)
}

func (p *Provider) aggregate(t *collector.Tick, req collector.Request, pages [][]map[string]any) ([]*record.MetricRecord, error) {
	q := p.queries
	lines := logs.NewAggregator(t, q.Name, req.Tag.Hosts)
	for _, page := range pages {
		for _, m := range page {
			host, ok := field(m, q.HostnameField)
			if !ok {
				continue
			}
			msg, ok := field(m, q.MessageField)
			if !ok {
				continue
			}
			raw, ok := m[q.TimestampField]
			if !ok {
				continue
			}
			ts, err := extract.Timestamp(raw, extract.FormatMillis)
			if err != nil {
				return nil, err
			}
			if !t.InWindow(ts, req.Tag.DayOffset) {
				continue
			}
			lines.Add(host, msg, ts)
		}
	}
	return lines.Records(), nil
}

func field(m map[string]any, name string) (string, bool) {
	v, ok := m[name]
	if !ok {
		return "", false
	}
	return extract.String(v)
}

func headers(job *collector.Job) map[string]string {
	raw := accessID(job) + ":" + job.Connection.Secret("access_key")
	return map[string]string{
		"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)),
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}

// session is one search job's calls.
type session struct {
	p        *Provider
	job      *collector.Job
	endpoint string
	headers  map[string]string
}

func (s *session) call(ctx context.Context, title, method, rawURL string, body []byte) ([]byte, error) {
	return s.p.client.Do(ctx, apicall.Request{
		Title:            title,
		AccountID:        s.job.AccountID,
		StateExecutionID: s.job.StateExecutionID,
		Method:           method,
		URL:              rawURL,
		Headers:          s.headers,
		Body:             body,
		Secrets:          s.job.Connection.Secrets,
	})
}

type createRequest struct {
	Query    string `json:"query"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	TimeZone string `json:"timeZone"`
}

func (s *session) create(ctx context.Context, query string, w record.Window) (string, error) {
	body, err := json.Marshal(createRequest{Query: query, From: w.StartMillis(), To: w.EndMillis(), TimeZone: "UTC"})
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "encode sumo search")
	}
	data, err := s.call(ctx, "Creating Sumo search job", http.MethodPost, s.endpoint, body)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", errors.Wrap(err, errors.CodeTransient, "decode sumo search job")
	}
	if resp.ID == "" {
		return "", errors.New(errors.CodeTransient, "sumo returned no search job id")
	}
	return resp.ID, nil
}

type status struct {
	State        string `json:"state"`
	MessageCount int    `json:"messageCount"`
}

// await polls the job until it is done and returns its message count.
func (s *session) await(ctx context.Context, id string) (int, error) {
	statusURL := s.endpoint + "/" + url.PathEscape(id)
	for {
		data, err := s.call(ctx, "Polling Sumo search job", http.MethodGet, statusURL, nil)
		if err != nil {
			return 0, err
		}
		var st status
		if err := json.Unmarshal(data, &st); err != nil {
			return 0, errors.Wrap(err, errors.CodeTransient, "decode sumo job status")
		}
		switch st.State {
		case StateDone:
			return st.MessageCount, nil
		case StateCancelled, StatePaused:
			return 0, errors.New(errors.CodeTransient, "sumo search job %s ended in state %s", id, st.State)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.p.clock.After(s.p.queries.PollInterval):
		}
	}
}

// messages fetches every page of the job concurrently, keeping page order.
func (s *session) messages(ctx context.Context, id string, count int) ([][]map[string]any, error) {
	q := s.p.queries
	if count > q.MaxMessages {
		logger.Warn("sumo search truncated", zap.String("job", id), zap.Int("messages", count), zap.Int("max", q.MaxMessages))
		count = q.MaxMessages
	}
	n := (count + q.PageSize - 1) / q.PageSize
	pages := make([][]map[string]any, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageConcurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			limit := q.PageSize
			if rest := count - i*q.PageSize; rest < limit {
				limit = rest
			}
			pageURL := fmt.Sprintf("%s/%s/messages?offset=%d&limit=%d", s.endpoint, url.PathEscape(id), i*q.PageSize, limit)
			data, err := s.call(gctx, "Fetching Sumo messages", http.MethodGet, pageURL, nil)
			if err != nil {
				return err
			}
			page, err := decodePage(data)
			if err != nil {
				return err
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

// remove deletes the job even when ctx is already cancelled.
func (s *session) remove(ctx context.Context, id string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if _, err := s.call(dctx, "Deleting Sumo search job", http.MethodDelete, s.endpoint+"/"+url.PathEscape(id), nil); err != nil {
		logger.Warn("delete sumo search job", zap.String("job", id), zap.Error(err))
	}
}

func decodePage(data []byte) ([]map[string]any, error) {
	var resp struct {
		Messages []struct {
			Map map[string]any `json:"map"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, errors.CodeTransient, "decode sumo messages")
	}
	out := make([]map[string]any, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, m.Map)
	}
	return out, nil
}
