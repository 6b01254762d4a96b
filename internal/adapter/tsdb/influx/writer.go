// Package influx implements the time-series sink and window reads over
// InfluxDB. Points are batched and flushed by count or time, whichever comes
// first; an acknowledged batch is visible to Latest within one flush window.
//
// Retention is configured server-side in three tiers: raw ~7 days, hourly
// aggregates ~30 days, daily aggregates ~1 year.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// writeAPI is the narrow slice of the influx client the writer needs; tests
// substitute a fake.
type writeAPI interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type queryAPI interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// Options configures a Writer.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	BatchSize     int           // flush when buffered points reach this; default 500
	FlushInterval time.Duration // flush at least this often; default 1s
	RetryBudget   time.Duration // give up on a batch after this; default 10s
}

// Writer buffers points and flushes them in batches. It owns no state beyond
// the in-flight buffer; the store is the source of truth.
type Writer struct {
	opts  Options
	wapi  writeAPI
	qapi  queryAPI
	log   *slog.Logger
	close func()

	mu   sync.Mutex
	buf  []domain.Point
	kick chan struct{}
}

// NewWriter connects to InfluxDB and returns a Writer. Run must be started
// for flushing to happen.
func NewWriter(opts Options, log *slog.Logger) *Writer {
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token,
		influxdb2.DefaultOptions().SetPrecision(time.Millisecond))
	w := newWriter(opts, client.WriteAPIBlocking(opts.Org, opts.Bucket), client.QueryAPI(opts.Org), log)
	w.close = client.Close
	return w
}

func newWriter(opts Options, wapi writeAPI, qapi queryAPI, log *slog.Logger) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		opts: opts,
		wapi: wapi,
		qapi: qapi,
		log:  log,
		kick: make(chan struct{}, 1),
	}
}

// Add buffers a point for the next batch flush. It never blocks on the wire.
func (w *Writer) Add(p domain.Point) error {
	if p.Measurement == "" || p.Tags["robot_id"] == "" {
		return fmt.Errorf("op=tsdb.Add: %w", domain.ErrInvalidArgument)
	}
	w.mu.Lock()
	w.buf = append(w.buf, p)
	full := len(w.buf) >= w.opts.BatchSize
	w.mu.Unlock()
	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes on the interval (or earlier when a batch fills) until ctx is
// cancelled, then performs a final flush within the grace period.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			grace, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(grace)
			cancel()
			if w.close != nil {
				w.close()
			}
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.kick:
			w.flush(ctx)
		}
	}
}

// flush writes the pending batch, retrying transient failures within the
// budget. Exhaustion drops the batch: old samples are cheaper than a stalled
// pipeline.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	pts := make([]*write.Point, 0, len(batch))
	for _, p := range batch {
		pts = append(pts, write.NewPoint(string(p.Measurement), p.Tags, p.Fields, p.Timestamp))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.opts.RetryBudget
	err := backoff.Retry(func() error {
		return w.wapi.WritePoint(ctx, pts...)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		observability.BatchesDroppedTotal.Inc()
		w.log.Warn("batch dropped after retry budget",
			slog.Int("points", len(batch)), slog.Any("error", err))
		return
	}
	observability.PointsWrittenTotal.Add(float64(len(batch)))
}

// Latest returns the most recent point matching measurement and tags not
// older than since.
func (w *Writer) Latest(ctx domain.Context, m domain.Measurement, tags map[string]string, since time.Duration) (domain.Point, error) {
	flux := buildFlux(w.opts.Bucket, m, tags, since, "", 0, true)
	res, err := w.qapi.Query(ctx, flux)
	if err != nil {
		return domain.Point{}, fmt.Errorf("op=tsdb.Latest: %w", err)
	}
	pts, err := collect(res, m)
	if err != nil {
		return domain.Point{}, fmt.Errorf("op=tsdb.Latest: %w", err)
	}
	if len(pts) == 0 {
		return domain.Point{}, fmt.Errorf("op=tsdb.Latest: %w", domain.ErrNotFound)
	}
	return pts[len(pts)-1], nil
}

// History returns points over the window, optionally aggregated into buckets
// of every using fn ("mean", "max", ...).
func (w *Writer) History(ctx domain.Context, m domain.Measurement, tags map[string]string, window time.Duration, aggregation string, every time.Duration) ([]domain.Point, error) {
	flux := buildFlux(w.opts.Bucket, m, tags, window, aggregation, every, false)
	res, err := w.qapi.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("op=tsdb.History: %w", err)
	}
	pts, err := collect(res, m)
	if err != nil {
		return nil, fmt.Errorf("op=tsdb.History: %w", err)
	}
	return pts, nil
}

// buildFlux renders the Flux query for a window read.
func buildFlux(bucket string, m domain.Measurement, tags map[string]string, window time.Duration, aggregation string, every time.Duration, last bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `from(bucket: %q) |> range(start: -%s)`, bucket, window.String())
	fmt.Fprintf(&b, ` |> filter(fn: (r) => r._measurement == %q)`, string(m))
	for k, v := range tags {
		fmt.Fprintf(&b, ` |> filter(fn: (r) => r[%q] == %q)`, k, v)
	}
	if aggregation != "" && every > 0 {
		fmt.Fprintf(&b, ` |> aggregateWindow(every: %s, fn: %s, createEmpty: false)`, every.String(), aggregation)
	}
	if last {
		b.WriteString(` |> last()`)
	}
	b.WriteString(` |> sort(columns: ["_time"])`)
	return b.String()
}

// collect folds flux records (one per field) back into points keyed by time.
func collect(res *api.QueryTableResult, m domain.Measurement) ([]domain.Point, error) {
	byTime := map[time.Time]*domain.Point{}
	var order []time.Time
	for res.Next() {
		rec := res.Record()
		p, ok := byTime[rec.Time()]
		if !ok {
			p = &domain.Point{
				Measurement: m,
				Tags:        map[string]string{},
				Fields:      map[string]any{},
				Timestamp:   rec.Time(),
			}
			for k, v := range rec.Values() {
				if s, isStr := v.(string); isStr && !strings.HasPrefix(k, "_") && k != "result" && k != "table" {
					p.Tags[k] = s
				}
			}
			byTime[rec.Time()] = p
			order = append(order, rec.Time())
		}
		p.Fields[rec.Field()] = rec.Value()
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Point, 0, len(order))
	for _, t := range order {
		out = append(out, *byTime[t])
	}
	return out, nil
}
