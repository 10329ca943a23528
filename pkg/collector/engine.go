package collector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/fetch"
	"github.com/delegate-collector/pkg/logger"
	"github.com/delegate-collector/pkg/metrics"
	"github.com/delegate-collector/pkg/pool"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/retry"
	"github.com/delegate-collector/pkg/secrets"
	"github.com/delegate-collector/pkg/sink"
)

const (
	DefaultSaveRetries    = 3
	DefaultSaveRetrySleep = 5 * time.Second
)

// Deps are the collaborators shared by every engine on the host.
type Deps struct {
	Decrypter      secrets.Decrypter
	Sink           sink.MetricSink
	Client         *apicall.Client
	Fetch          *fetch.Executor
	Metrics        *metrics.CollectorMetrics
	Clock          clockwork.Clock
	SaveRetries    int
	SaveRetrySleep time.Duration
}

func (d *Deps) applyDefaults() {
	if d.Metrics == nil {
		d.Metrics = metrics.NewNopMetrics()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.SaveRetries <= 0 {
		d.SaveRetries = DefaultSaveRetries
	}
	if d.SaveRetrySleep < 0 {
		d.SaveRetrySleep = DefaultSaveRetrySleep
	}
	if d.Client == nil {
		d.Client = apicall.NewClient(nil, nil, 0)
	}
	if d.Fetch == nil {
		d.Fetch = fetch.NewExecutor(pool.Go{}, fetch.WithClock(d.Clock))
	}
}

// Engine runs the ticks of one job. It implements scheduler.Unit.
type Engine struct {
	job      Job
	provider Provider
	deps     Deps
	log      *zap.Logger

	// minute is the cursor; collectedUpTo is the first minute not yet fetched.
	minute        int
	collectedUpTo int
}

// NewEngine copies job; decrypted secrets only ever live in the engine's copy.
func NewEngine(job *Job, p Provider, deps Deps) *Engine {
	deps.applyDefaults()
	e := &Engine{
		job:      *job,
		provider: p,
		deps:     deps,
	}
	e.minute = job.DataCollectionMinute
	e.collectedUpTo = job.DataCollectionMinute
	e.log = logger.Named("collector",
		zap.String("provider", p.Name()),
		zap.String("state_execution_id", job.StateExecutionID),
		zap.String("task_id", job.TaskID),
	)
	return e
}

// Job returns the engine's job, with secrets.
func (e *Engine) Job() *Job {
	return &e.job
}

// Cursor returns the minute cursor and the collected-up-to marker.
func (e *Engine) Cursor() (minute, collectedUpTo int) {
	return e.minute, e.collectedUpTo
}

// Init validates the job, decrypts its connection and initializes the provider.
func (e *Engine) Init(ctx context.Context) error {
	e.job.Normalize()
	if err := e.job.Validate(); err != nil {
		return err
	}
	if e.deps.Decrypter != nil && len(e.job.EncryptedFields) > 0 {
		conn, err := e.deps.Decrypter.Decrypt(ctx, e.job.Connection, e.job.EncryptedFields)
		if err != nil {
			if errors.IsCancelled(err) {
				return err
			}
			return errors.Wrap(err, errors.CodeConfig, "decrypt connection")
		}
		e.job.Connection = conn
	}
	if err := e.provider.Init(ctx, &e.job); err != nil {
		if errors.CodeOf(err) == errors.CodeInternal {
			return errors.Mark(err, errors.CodeConfig)
		}
		return err
	}
	e.log.Info("collector initialized",
		zap.Int("hosts", len(e.job.Hosts)),
		zap.String("strategy", string(e.job.Strategy)),
		zap.Int("collection_minutes", e.job.CollectionMinutes),
		zap.Int("resume_minute", e.minute),
		zap.Int("frequency", e.job.CollectionFrequency),
	)
	return nil
}

// Tick runs one cycle. A fetch happens only once CollectionFrequency minutes are pending, or on
// the final minute. The cursor only moves when the cycle succeeds.
func (e *Engine) Tick(ctx context.Context) (done bool, err error) {
	name := e.provider.Name()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tick panicked", zap.Any("panic", r))
			err = errors.New(errors.CodeTransient, "%s collector panicked: %v", name, r)
		}
		if err != nil && !errors.IsCancelled(err) {
			e.deps.Metrics.Ticks.WithLabelValues(name, "failed").Inc()
		}
	}()

	total := e.job.CollectionMinutes
	if e.minute >= total {
		return true, nil
	}
	pending := e.minute + 1 - e.collectedUpTo
	final := e.minute+1 >= total
	if pending < e.job.CollectionFrequency && !final {
		e.log.Debug("throttled, not fetching", zap.Int("minute", e.minute), zap.Int("pending", pending))
		e.minute++
		e.deps.Metrics.Ticks.WithLabelValues(name, "skipped").Inc()
		return false, nil
	}

	start := e.deps.Clock.Now()
	t := &Tick{
		Job:        &e.job,
		Window:     record.WindowFor(e.job.StartTime, e.collectedUpTo, e.minute+1),
		DayOffsets: record.DayOffsets(e.job.Strategy),
		Minute:     e.minute,
	}

	records, err := e.collect(ctx, t)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		// cancelled mid tick: drop what was collected
		return false, err
	}
	if err := e.save(ctx, records); err != nil {
		return false, err
	}

	e.collectedUpTo = e.minute + 1
	e.minute++
	e.deps.Metrics.Ticks.WithLabelValues(name, "fetched").Inc()
	e.deps.Metrics.TickDuration.WithLabelValues(name).Observe(e.deps.Clock.Since(start).Seconds())
	e.log.Info("tick collected",
		zap.String("window", t.Window.String()),
		zap.Int("records", len(records)),
		zap.Int("minute", e.minute),
	)
	return e.minute >= total, nil
}

// collect fans out the provider requests and merges the results with heartbeats.
func (e *Engine) collect(ctx context.Context, t *Tick) ([]*record.MetricRecord, error) {
	reqs, err := e.provider.BuildRequests(ctx, t)
	if err != nil {
		return nil, classify(err)
	}

	ops := make([]fetch.Op[[]*record.MetricRecord], 0, len(reqs))
	for _, req := range reqs {
		req := req
		ops = append(ops, func(ctx context.Context) ([]*record.MetricRecord, bool, error) {
			recs, err := e.fetchOne(ctx, t, req)
			if err != nil {
				return nil, false, err
			}
			return recs, len(recs) > 0, nil
		})
	}

	results, err := fetch.Execute(ctx, e.deps.Fetch, ops)
	if err != nil {
		return nil, err
	}

	table := record.NewTable()
	start := e.job.StartTime.UnixMilli()
	meta := e.job.Meta()
	for _, recs := range fetch.Present(results) {
		for _, r := range recs {
			meta.Stamp(r, start)
		}
		table.PutAll(recs)
	}

	out := table.Records()
	heartbeats := record.Heartbeats(e.job.Groups(), t.Window, start, meta)
	e.deps.Metrics.Heartbeats.WithLabelValues(e.provider.Name()).Add(float64(len(heartbeats)))
	return append(out, heartbeats...), nil
}

// fetchOne runs one request and realigns day-shifted records under the control host.
func (e *Engine) fetchOne(ctx context.Context, t *Tick, req Request) ([]*record.MetricRecord, error) {
	name := e.provider.Name()
	var (
		recs []*record.MetricRecord
		err  error
	)
	if f, ok := e.provider.(Fetcher); ok {
		recs, err = f.Fetch(ctx, t, req)
	} else {
		var body []byte
		body, err = e.deps.Client.Do(ctx, apicall.Request{
			Title:            fmt.Sprintf("Fetching %s data for %s", name, req.Tag.Key),
			AccountID:        e.job.AccountID,
			StateExecutionID: e.job.StateExecutionID,
			Method:           req.Method,
			URL:              req.URL,
			Headers:          req.Headers,
			Body:             req.Body,
			Secrets:          e.job.Connection.Secrets,
		})
		if err == nil {
			recs, err = e.provider.ParseResponse(t, req, body)
			if err != nil {
				err = errors.Wrap(err, errors.CodeTransient, "parse %s response", name)
			}
		}
	}
	if err != nil {
		e.deps.Metrics.Fetches.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	e.deps.Metrics.Fetches.WithLabelValues(name, "ok").Inc()

	for _, r := range recs {
		record.AlignToCurrent(r, req.Tag.DayOffset)
	}
	return recs, nil
}

// save hands the batch to the sink, retrying a bounded number of times. Running out of attempts
// is a SINK error, which the scheduler does not retry.
func (e *Engine) save(ctx context.Context, records []*record.MetricRecord) error {
	name := e.provider.Name()
	var first string
	policy := retry.Policy{Attempts: e.deps.SaveRetries, Sleep: e.deps.SaveRetrySleep}
	err := retry.Do(ctx, e.deps.Clock, policy, func(attempt int) error {
		ok, err := e.deps.Sink.Save(ctx, e.job.AccountID, e.job.ApplicationID, e.job.StateExecutionID, e.job.TaskID, records)
		if ok && err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		msg := "sink rejected " + strconv.Itoa(len(records)) + " records"
		if err != nil {
			msg = err.Error()
		}
		if first == "" {
			first = msg
		}
		e.log.Warn("save failed", zap.Int("attempt", attempt), zap.String("error", msg))
		return errors.New(errors.CodeSink, "%s", msg)
	}, func(int, error, time.Duration) {
		e.deps.Metrics.Retries.WithLabelValues(name, "save").Inc()
	})
	switch {
	case err == nil:
		e.deps.Metrics.RecordsSaved.WithLabelValues(name).Add(float64(len(records)))
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return errors.New(errors.CodeSink, "%s", first).With("attempts", strconv.Itoa(e.deps.SaveRetries))
}

// classify keeps coded errors and marks the rest transient.
func classify(err error) error {
	var se *errors.StructuredError
	if errors.As(err, &se) {
		return err
	}
	return errors.Mark(err, errors.CodeTransient)
}
