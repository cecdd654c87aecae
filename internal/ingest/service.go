// Package ingest validates, authorizes and persists captured network calls.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carbon-ingest/internal/apperr"
	"carbon-ingest/internal/carbon"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"
	"carbon-ingest/internal/store"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds parallel persist calls of one batch.
const DefaultBatchConcurrency = 16

// Archiver receives every persisted record. Submit must not block.
type Archiver interface {
	Submit(rec model.NetworkCallRecord) bool
}

// Service
// ------------------------------------------------------------
// Write side of the API.
//
//   - ownership is checked before anything touches the store
//   - a save writes the record and its bucket delta in one store call
//   - batch saves run concurrently and are never rolled back
type Service struct {
	store       store.Store
	carbon      carbon.Model
	loc         *time.Location
	clock       quartz.Clock
	validate    *validator.Validate
	archive     Archiver
	metrics     *metrics.Metrics
	concurrency int
	newUID      func() string
}

type Option func(*Service)

func WithCarbonModel(m carbon.Model) Option { return func(s *Service) { s.carbon = m } }

// WithLocation sets the timezone whose calendar days bucket usage.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

func WithClock(c quartz.Clock) Option { return func(s *Service) { s.clock = c } }

func WithArchive(a Archiver) Option { return func(s *Service) { s.archive = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithConcurrency(n int) Option { return func(s *Service) { s.concurrency = n } }

// WithUIDGenerator replaces uuid.NewString.
func WithUIDGenerator(f func() string) Option { return func(s *Service) { s.newUID = f } }

func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		carbon:      carbon.Default(),
		loc:         time.Local,
		clock:       quartz.NewReal(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		concurrency: DefaultBatchConcurrency,
		newUID:      uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultBatchConcurrency
	}
	return s
}

// StoreOne persists rec on behalf of callerID and returns its new uid.
func (s *Service) StoreOne(ctx context.Context, rec model.NetworkCallRecord, callerID string) (string, error) {
	if err := s.check(rec); err != nil {
		return "", err
	}
	if rec.UserID != callerID {
		s.metrics.NotAuthorizedTotal.Inc()
		return "", apperr.ErrNotAuthorized
	}
	return s.persist(ctx, rec)
}

// StoreBatchResults
//
// Persists every record of req and reports each outcome at its index.
// The returned error is only set for failures that happen before any
// persistence (validation, ownership).
func (s *Service) StoreBatchResults(ctx context.Context, req model.BatchRequest, callerID string) ([]model.BatchResult, error) {
	if req.UserID == "" {
		return nil, apperr.BadRequest("userId is required")
	}
	if req.UserID != callerID {
		s.metrics.NotAuthorizedTotal.Inc()
		return nil, apperr.ErrNotAuthorized
	}
	if len(req.NetworkCalls) == 0 {
		return nil, apperr.BadRequest("networkCalls must not be empty")
	}

	recs := make([]model.NetworkCallRecord, len(req.NetworkCalls))
	for i, r := range req.NetworkCalls {
		recs[i] = r.WithOwner(req.UserID)
		if err := s.check(recs[i]); err != nil {
			return nil, apperr.BadRequest(fmt.Sprintf("networkCalls[%d]: %s", i, err.Error()))
		}
	}

	results := make([]model.BatchResult, len(recs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range recs {
		g.Go(func() error {
			uid, err := s.persist(ctx, recs[i])
			results[i] = model.BatchResult{Index: i, UID: uid, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// StoreBatch is the all-or-nothing view of StoreBatchResults: any failed
// record fails the whole call and no ids are returned. Records that did get
// persisted stay persisted.
func (s *Service) StoreBatch(ctx context.Context, req model.BatchRequest, callerID string) ([]string, error) {
	results, err := s.StoreBatchResults(ctx, req, callerID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(results))
	var (
		firstErr error
		failed   int
	)
	for _, r := range results {
		if r.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		ids = append(ids, r.UID)
	}
	if firstErr != nil {
		if failed < len(results) {
			s.metrics.BatchPartialFailuresTotal.Inc()
			log.Warn().
				Str("user_id", req.UserID).
				Int("failed", failed).
				Int("total", len(results)).
				Msg("batch partially persisted")
		}
		return nil, apperr.Database(firstErr)
	}
	return ids, nil
}

// UpdateOne replaces the record stored under uid. Both the declared owner and
// the stored owner must be callerID. Usage buckets are left untouched.
func (s *Service) UpdateOne(ctx context.Context, uid string, rec model.NetworkCallRecord, callerID string) error {
	if uid == "" {
		return apperr.BadRequest("uid is required")
	}
	if err := s.check(rec); err != nil {
		return err
	}
	if rec.UserID != callerID {
		s.metrics.NotAuthorizedTotal.Inc()
		return apperr.ErrNotAuthorized
	}

	existing, err := s.store.GetRecord(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("network call " + uid)
	}
	if err != nil {
		s.metrics.StoreErrorsTotal.Inc()
		return apperr.Database(err)
	}
	if existing.UserID != callerID {
		s.metrics.NotAuthorizedTotal.Inc()
		return apperr.ErrNotAuthorized
	}

	err = s.store.UpdateRecord(ctx, rec.WithUID(uid))
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("network call " + uid)
	}
	if err != nil {
		s.metrics.StoreErrorsTotal.Inc()
		return apperr.Database(err)
	}
	s.metrics.RecordsStoredTotal.Inc()
	return nil
}

// check runs struct validation and maps failures to BadRequestError.
func (s *Service) check(rec model.NetworkCallRecord) error {
	if err := s.validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.BadRequest(fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
		}
		return apperr.BadRequest(err.Error())
	}
	return nil
}

func (s *Service) persist(ctx context.Context, rec model.NetworkCallRecord) (string, error) {
	rec = rec.WithUID(s.newUID())
	if rec.Timestamp == 0 {
		rec.Timestamp = s.clock.Now().UnixMilli()
	}

	day := model.DayOf(rec.Timestamp, s.loc)
	if err := s.store.SaveRecord(ctx, rec, day, s.carbon.Usage(rec.Size)); err != nil {
		s.metrics.StoreErrorsTotal.Inc()
		log.Error().Err(err).Str("user_id", rec.UserID).Str("url", rec.URL).Msg("persist network call")
		return "", apperr.Database(err)
	}
	s.metrics.RecordsStoredTotal.Inc()

	if s.archive != nil {
		s.archive.Submit(rec)
	}
	return rec.UID, nil
}
