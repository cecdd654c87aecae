// Package aggregate answers read queries over stored usage.
package aggregate

import (
	"context"
	"time"

	"carbon-ingest/internal/apperr"
	"carbon-ingest/internal/carbon"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"
	"carbon-ingest/internal/store"

	"github.com/coder/quartz"
)

// DefaultDays is the window used when a caller asks for a non-positive one.
const DefaultDays = 7

// MaxDays caps the window at roughly a century, which already reaches back
// past the epoch. Larger values would overflow the millisecond bound.
const MaxDays = 100 * 366

// Engine
// ------------------------------------------------------------
// Read side. Never writes to the store.
//
// Day rule: a timestamp belongs to the bucket whose date is its start of
// day in loc, as epoch milliseconds.
type Engine struct {
	store   store.Store
	carbon  carbon.Model
	loc     *time.Location
	clock   quartz.Clock
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func WithClock(c quartz.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithCarbonModel(m carbon.Model) Option { return func(e *Engine) { e.carbon = m } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		carbon: carbon.Default(),
		loc:    time.Local,
		clock:  quartz.NewReal(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	return e
}

// TotalUsageSince
//
// Per-capita usage for every day from startOfDay(now) - days*24h on.
// Days without activity are absent from the map. With no registered users
// every present day maps to an explicit zero summary.
func (e *Engine) TotalUsageSince(ctx context.Context, days int) (map[int64]model.UsageSummary, int, error) {
	if days <= 0 {
		days = DefaultDays
	}
	days = min(days, MaxDays)
	limit := model.DaysBefore(e.clock.Now(), days, e.loc)

	buckets, err := e.store.BucketsSince(ctx, limit)
	if err != nil {
		e.metrics.StoreErrorsTotal.Inc()
		return nil, 0, apperr.Database(err)
	}
	users, err := e.store.CountUsers(ctx)
	if err != nil {
		e.metrics.StoreErrorsTotal.Inc()
		return nil, 0, apperr.Database(err)
	}

	out := make(map[int64]model.UsageSummary, len(buckets))
	for _, b := range buckets {
		out[b.Date] = b.Usage.PerCapita(users)
	}
	return out, users, nil
}

// UsageForUser returns every record of userID ordered by timestamp.
// Only the user themself may read them.
func (e *Engine) UsageForUser(ctx context.Context, userID, callerID string) ([]model.NetworkCallRecord, error) {
	if userID != callerID {
		e.metrics.NotAuthorizedTotal.Inc()
		return nil, apperr.ErrNotAuthorized
	}
	recs, err := e.store.RecordsForUser(ctx, userID)
	if err != nil {
		e.metrics.StoreErrorsTotal.Inc()
		return nil, apperr.Database(err)
	}
	return recs, nil
}

// UsageDetails sums one user's traffic for today, the last seven days
// (today included) and all time.
func (e *Engine) UsageDetails(ctx context.Context, userID, callerID string) (model.UsageDetails, error) {
	recs, err := e.UsageForUser(ctx, userID, callerID)
	if err != nil {
		return model.UsageDetails{}, err
	}

	now := e.clock.Now()
	today := model.StartOfDay(now, e.loc)
	weekStart := model.DaysBefore(now, DefaultDays-1, e.loc)

	var d model.UsageDetails
	for _, r := range recs {
		co2 := e.carbon.Usage(r.Size).CO2
		day := model.DayOf(r.Timestamp, e.loc)

		d.TotalUsage += r.Size
		d.TotalCO2 += co2
		if day >= weekStart {
			d.Last7Days += r.Size
			d.Last7CO2 += co2
		}
		if day == today {
			d.Today += r.Size
			d.TodayCO2 += co2
		}
	}
	return d, nil
}
