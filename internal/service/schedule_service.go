package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/repository"
)

var (
	ErrInvalidWeek     = repository.ErrInvalidWeek
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// RosterFileStore is the on-disk side of the schedule: exported CSV tables
// and uploaded roster images.
type RosterFileStore interface {
	ReadScheduleCSV(ctx context.Context, week string) ([]domain.ScheduleEntry, error)
	SaveImage(ctx context.Context, week, filename string, src io.Reader, uploader string) (*domain.RosterImage, error)
	LatestImage(ctx context.Context, week string) (*domain.RosterImage, error)
	ListImages(ctx context.Context) ([]domain.RosterImage, error)
	WeekDirs() ([]string, error)
}

// RosterNotifier is told about every stored roster image.
type RosterNotifier interface {
	Configured() bool
	SendRosterUploaded(ctx context.Context, img domain.RosterImage) error
}

type ScheduleService struct {
	manual   repository.ScheduleRepository
	files    RosterFileStore
	notifier RosterNotifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduleService(manual repository.ScheduleRepository, files RosterFileStore, notifier RosterNotifier, logger *slog.Logger) *ScheduleService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleService{manual: manual, files: files, notifier: notifier, logger: logger, now: time.Now}
}

func (s *ScheduleService) CurrentWeek() string {
	return domain.WeekOf(s.now())
}

// Schedule resolves week from manual rows first, then the exported CSV, and
// finally returns an empty schedule. Lookup errors fall through to the next
// source.
func (s *ScheduleService) Schedule(ctx context.Context, week string) (*domain.Schedule, error) {
	if !domain.ValidWeek(week) {
		return nil, ErrInvalidWeek
	}
	rows, err := s.manual.ListByWeek(ctx, week)
	if err != nil {
		s.logger.WarnContext(ctx, "load manual schedule failed", "week", week, "error", err)
	}
	if len(rows) > 0 {
		return BuildSchedule(week, rows, domain.ScheduleSourceManual), nil
	}

	rows, err = s.files.ReadScheduleCSV(ctx, week)
	switch {
	case err == nil && len(rows) > 0:
		return BuildSchedule(week, rows, domain.ScheduleSourceCSV), nil
	case err != nil && !errors.Is(err, repository.ErrScheduleNotFound):
		s.logger.WarnContext(ctx, "load csv schedule failed", "week", week, "error", err)
	}
	return BuildSchedule(week, nil, domain.ScheduleSourceEmpty), nil
}

// BuildSchedule groups flat rows into tables and shifts. Tables, shifts and
// dates keep the order in which they first appear.
func BuildSchedule(week string, rows []domain.ScheduleEntry, source domain.ScheduleSource) *domain.Schedule {
	out := &domain.Schedule{Week: week, Dates: []string{}, Tables: []domain.ScheduleTable{}, Source: source}
	tableIdx := map[string]int{}
	shiftIdx := map[string]int{}
	seenDate := map[string]bool{}

	for _, row := range rows {
		ti, ok := tableIdx[row.TableTitle]
		if !ok {
			ti = len(out.Tables)
			tableIdx[row.TableTitle] = ti
			out.Tables = append(out.Tables, domain.ScheduleTable{Title: row.TableTitle, Shifts: []domain.ScheduleShift{}})
		}
		key := row.TableTitle + "\x00" + row.Position + "\x00" + row.TimeRange
		si, ok := shiftIdx[key]
		if !ok {
			si = len(out.Tables[ti].Shifts)
			shiftIdx[key] = si
			out.Tables[ti].Shifts = append(out.Tables[ti].Shifts, domain.ScheduleShift{
				Position:    row.Position,
				TimeRange:   row.TimeRange,
				Assignments: map[string]string{},
			})
		}
		if row.Date == "" {
			continue
		}
		out.Tables[ti].Shifts[si].Assignments[row.Date] = row.StaffName
		if !seenDate[row.Date] {
			seenDate[row.Date] = true
			out.Dates = append(out.Dates, row.Date)
		}
	}
	return out
}

// FlattenSchedule is the inverse of BuildSchedule. Shifts without any
// assignment keep a dateless row so the shift survives a round trip.
func FlattenSchedule(schedule *domain.Schedule) ([]domain.ScheduleEntry, error) {
	var rows []domain.ScheduleEntry
	for _, table := range schedule.Tables {
		title := strings.TrimSpace(table.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: table title is required", ErrInvalidSchedule)
		}
		for _, shift := range table.Shifts {
			position := strings.TrimSpace(shift.Position)
			if position == "" {
				return nil, fmt.Errorf("%w: position is required in %s", ErrInvalidSchedule, title)
			}
			base := domain.ScheduleEntry{
				TableTitle: title,
				Position:   position,
				TimeRange:  strings.TrimSpace(shift.TimeRange),
			}
			dates := orderedDates(schedule.Dates, shift.Assignments)
			if len(dates) == 0 {
				row := base
				row.SortOrder = len(rows)
				rows = append(rows, row)
				continue
			}
			for _, date := range dates {
				row := base
				row.Date = date
				row.StaffName = strings.TrimSpace(shift.Assignments[date])
				row.SortOrder = len(rows)
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

func orderedDates(declared []string, assignments map[string]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, d := range declared {
		if _, ok := assignments[d]; ok && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	var extra []string
	for d := range assignments {
		if !seen[d] && strings.TrimSpace(d) != "" {
			extra = append(extra, d)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// SaveManual replaces every manual row of the schedule's week.
func (s *ScheduleService) SaveManual(ctx context.Context, schedule *domain.Schedule, author string) (*domain.Schedule, error) {
	if schedule == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidSchedule)
	}
	if !domain.ValidWeek(schedule.Week) {
		return nil, ErrInvalidWeek
	}
	rows, err := FlattenSchedule(schedule)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for i := range rows {
		rows[i].CreatedBy = author
		rows[i].CreatedAt = now
	}
	if err := s.manual.ReplaceWeek(ctx, schedule.Week, rows); err != nil {
		return nil, fmt.Errorf("save manual schedule: %w", err)
	}
	s.logger.InfoContext(ctx, "manual schedule saved", "week", schedule.Week, "rows", len(rows), "author", author)
	return BuildSchedule(schedule.Week, rows, domain.ScheduleSourceManual), nil
}

func (s *ScheduleService) DeleteManual(ctx context.Context, week string) (int64, error) {
	if !domain.ValidWeek(week) {
		return 0, ErrInvalidWeek
	}
	n, err := s.manual.DeleteWeek(ctx, week)
	if err != nil {
		return 0, fmt.Errorf("delete manual schedule: %w", err)
	}
	return n, nil
}

// SaveImage stores an uploaded roster image and notifies by mail. A failed
// notification is logged and never fails the upload.
func (s *ScheduleService) SaveImage(ctx context.Context, week, filename string, src io.Reader, uploader string) (*domain.RosterImage, error) {
	img, err := s.files.SaveImage(ctx, week, filename, src, uploader)
	if err != nil {
		observability.RecordRosterUpload(ctx, "rejected")
		return nil, err
	}
	observability.RecordRosterUpload(ctx, "stored")
	s.logger.InfoContext(ctx, "roster image stored", "week", week, "stored_name", img.StoredName, "size", img.Size)

	if s.notifier != nil && s.notifier.Configured() {
		if err := s.notifier.SendRosterUploaded(ctx, *img); err != nil {
			s.logger.WarnContext(ctx, "roster upload notification failed", "week", week, "error", err)
		}
	}
	return img, nil
}

func (s *ScheduleService) LatestImage(ctx context.Context, week string) (*domain.RosterImage, error) {
	return s.files.LatestImage(ctx, week)
}

func (s *ScheduleService) ListImages(ctx context.Context) ([]domain.RosterImage, error) {
	return s.files.ListImages(ctx)
}

// Weeks lists every week with manual rows, a CSV export or uploads, newest
// first.
func (s *ScheduleService) Weeks(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	manual, err := s.manual.ListWeeks(ctx)
	if err != nil {
		return nil, err
	}
	files, err := s.files.WeekDirs()
	if err != nil {
		return nil, err
	}
	for _, w := range append(manual, files...) {
		seen[w] = struct{}{}
	}
	weeks := make([]string, 0, len(seen))
	for w := range seen {
		weeks = append(weeks, w)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(weeks)))
	return weeks, nil
}
