// Package loader fetches metric datapoints from a source database and lands
// them in the engine store.
//
// Responsibilities:
//   - Render the metric's query template for the window being loaded
//   - Validate the result schema (a timestamp and a value column)
//   - Align timestamps to the metric's interval grid and fill gaps with
//     null datapoints so downstream detectors see an unbroken series
//   - Enrich every datapoint with the metric's seasonality features
//   - Track the load watermark so incremental runs resume where the
//     previous run stopped
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/detectk/detectd/internal/query"
	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/source"
	"github.com/detectk/detectd/internal/store"
)

var (
	// ErrBadSchema marks query results missing the required columns.
	ErrBadSchema = errors.New("bad query result schema")

	// ErrNoWatermark is returned when an incremental load finds no prior
	// datapoints to resume from.
	ErrNoWatermark = errors.New("no existing data")
)

// Config describes one metric's loading behavior.
type Config struct {
	MetricName         string
	Interval           series.Interval
	SeasonalityColumns []string

	// QueryContext supplies extra template values beyond the built-ins.
	QueryContext map[string]any

	// Lookback bounds the bootstrap window when the metric has no
	// datapoints yet. Zero means bootstrap loads must pass an explicit
	// start time.
	Lookback time.Duration

	// FillGaps expands the loaded rows onto the interval grid with null
	// datapoints for buckets the query did not cover.
	FillGaps bool
}

// Loader loads one metric.
type Loader struct {
	cfg    Config
	tmpl   *query.Template
	client source.Client
	store  store.Store
	log    *zap.Logger
}

// New builds a loader for one metric.
func New(cfg Config, tmpl *query.Template, client source.Client, st store.Store, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{cfg: cfg, tmpl: tmpl, client: client, store: st, log: log}
}

// Window resolves the load window ending at the last complete interval
// before now. The start resumes one interval past the stored watermark, or
// falls back to the configured lookback for a first load.
func (l *Loader) Window(ctx context.Context, now time.Time) (time.Time, time.Time, error) {
	// The bucket containing now is still filling; stop at the last one
	// that closed.
	end := l.cfg.Interval.AlignFloor(now)

	last, ok, err := l.store.LastDatapointTimestamp(ctx, l.cfg.MetricName)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	if ok {
		return last.Add(l.cfg.Interval.Duration()), end, nil
	}
	if l.cfg.Lookback > 0 {
		return l.cfg.Interval.AlignFloor(now.Add(-l.cfg.Lookback)), end, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf(
		"%w for metric %q, provide an explicit start time", ErrNoWatermark, l.cfg.MetricName)
}

// Load fetches and normalizes datapoints for [start, end). Rows landing
// off-grid are floored to their bucket, and the last row wins when several
// land in the same bucket. With FillGaps the buckets are expanded onto the
// grid between the first and last observed timestamps, with null values for
// the buckets the query did not cover; fewer than two distinct buckets give
// nothing to interpolate between, so no nulls are synthesized.
func (l *Loader) Load(ctx context.Context, start, end time.Time) (*series.Bundle, error) {
	rendered, err := l.tmpl.Render(start, end, l.cfg.Interval.Seconds(), l.cfg.QueryContext)
	if err != nil {
		return nil, err
	}

	rows, err := l.client.Query(ctx, rendered)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", l.cfg.MetricName, err)
	}

	buckets := map[time.Time]*float64{}
	for i, row := range rows {
		rawTS, ok := row["timestamp"]
		if !ok {
			return nil, fmt.Errorf("%w: query must return a 'timestamp' column", ErrBadSchema)
		}
		rawValue, ok := row["value"]
		if !ok {
			return nil, fmt.Errorf("%w: query must return a 'value' column", ErrBadSchema)
		}

		ts, err := parseTimestamp(rawTS)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrBadSchema, i, err)
		}
		value, err := parseValue(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrBadSchema, i, err)
		}

		buckets[l.cfg.Interval.AlignFloor(ts)] = value
	}

	keys := make([]time.Time, 0, len(buckets))
	for ts := range buckets {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	bundle := &series.Bundle{SeasonalityColumns: l.cfg.SeasonalityColumns}
	if l.cfg.FillGaps && len(keys) >= 2 {
		step := l.cfg.Interval.Duration()
		for ts := keys[0]; !ts.After(keys[len(keys)-1]); ts = ts.Add(step) {
			bundle.Append(ts, buckets[ts])
		}
	} else {
		for _, ts := range keys {
			bundle.Append(ts, buckets[ts])
		}
	}

	l.log.Debug("loaded datapoints",
		zap.String("metric", l.cfg.MetricName),
		zap.Int("rows", len(rows)),
		zap.Int("buckets", bundle.Len()),
		zap.Time("start", start),
		zap.Time("end", end),
	)
	return bundle, nil
}

// Save lands a bundle in the store. Buckets already stored are skipped, so
// overlapping loads never rewrite history. Returns the number of newly
// stored datapoints.
func (l *Loader) Save(ctx context.Context, bundle *series.Bundle) (int, error) {
	recs := make([]*store.DatapointRecord, 0, bundle.Len())
	columns := strings.Join(bundle.SeasonalityColumns, ",")
	for i := 0; i < bundle.Len(); i++ {
		recs = append(recs, &store.DatapointRecord{
			MetricName:         l.cfg.MetricName,
			Timestamp:          bundle.Timestamps[i],
			Value:              bundle.Values[i],
			Seasonality:        bundle.SeasonalityData[i],
			SeasonalityColumns: columns,
		})
	}
	return l.store.SaveDatapoints(ctx, recs)
}

// LoadAndSave runs one load cycle. Zero start or end resolve through
// Window. Returns the loaded bundle and the number of newly stored rows.
func (l *Loader) LoadAndSave(ctx context.Context, start, end time.Time) (*series.Bundle, int, error) {
	if start.IsZero() || end.IsZero() {
		wStart, wEnd, err := l.Window(ctx, time.Now())
		if err != nil {
			return nil, 0, err
		}
		if start.IsZero() {
			start = wStart
		}
		if end.IsZero() {
			end = wEnd
		}
	}
	if !start.Before(end) {
		// Nothing new has closed since the last run.
		return &series.Bundle{SeasonalityColumns: l.cfg.SeasonalityColumns}, 0, nil
	}

	bundle, err := l.Load(ctx, start, end)
	if err != nil {
		return nil, 0, err
	}
	stored, err := l.Save(ctx, bundle)
	if err != nil {
		return nil, 0, err
	}

	l.log.Info("load cycle finished",
		zap.String("metric", l.cfg.MetricName),
		zap.Int("stored", stored),
	)
	return bundle, stored, nil
}

// History reads a metric's stored datapoints back into a bundle, oldest
// first. Detection runs over history so rolling windows reach behind the
// freshly loaded slice.
func (l *Loader) History(ctx context.Context, from, to time.Time) (*series.Bundle, error) {
	recs, err := l.store.GetDatapoints(ctx, l.cfg.MetricName, from, to)
	if err != nil {
		return nil, err
	}

	bundle := &series.Bundle{SeasonalityColumns: l.cfg.SeasonalityColumns}
	for _, rec := range recs {
		bundle.Timestamps = append(bundle.Timestamps, rec.Timestamp)
		bundle.Values = append(bundle.Values, rec.Value)
		bundle.SeasonalityData = append(bundle.SeasonalityData, rec.Seasonality)
	}
	return bundle, nil
}

// parseTimestamp accepts the timestamp shapes SQL drivers hand back.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case nil:
		return time.Time{}, errors.New("timestamp is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// parseValue accepts the numeric shapes SQL drivers hand back. A null value
// stays null and records a gap.
func parseValue(v any) (*float64, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return series.Float64Ptr(n), nil
	case float32:
		return series.Float64Ptr(float64(n)), nil
	case int64:
		return series.Float64Ptr(float64(n)), nil
	case int:
		return series.Float64Ptr(float64(n)), nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse value %q", n)
		}
		return series.Float64Ptr(f), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse value %q", n)
		}
		return series.Float64Ptr(f), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
