package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Repository defines the persistence operations the audit service needs.
type Repository interface {
	Insert(ctx context.Context, event Event) error
	TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Entry, error)
	TimelineAll(ctx context.Context, filters TimelineFilters) ([]Entry, error)
}

// Recorder writes audit events.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// Record persists an audit event, returning any storage error.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.repo == nil {
		return errors.New("audit: recorder not initialised")
	}
	if event.Action == "" {
		return errors.New("audit: event requires an action")
	}
	return r.repo.Insert(ctx, event)
}

// LogEvent persists an audit event best-effort. Failures are logged
// operationally and swallowed so the primary operation always wins over its
// own audit trail.
func (r *Recorder) LogEvent(ctx context.Context, event Event) {
	if err := r.Record(ctx, event); err != nil {
		if r != nil && r.logger != nil {
			r.logger.Warn("audit write failed",
				slog.String("action", event.Action),
				slog.Any("error", err))
		}
	}
}

// Service answers timeline queries over the audit log.
type Service struct {
	repo Repository
}

// NewService constructs a timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of audit entries, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	// Fetch one extra row to detect whether a next page exists.
	entries, err := s.repo.TimelineWindow(ctx, filters, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}

	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Entries: entries, Paging: paging}, nil
}

// Export returns every entry matching the filters without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.TimelineAll(ctx, filters)
}
