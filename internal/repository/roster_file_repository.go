package repository

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"

	"github.com/google/uuid"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrImageNotFound    = errors.New("roster image not found")
	ErrInvalidUpload    = errors.New("invalid upload")
	ErrUploadTooLarge   = fmt.Errorf("%w: file too large", ErrInvalidUpload)
	ErrInvalidWeek      = errors.New("invalid week")
)

var imageContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var scheduleCSVColumns = []string{"table_title", "position", "time_range", "date", "staff_name"}

// RosterFileRepository stores roster images and per-week CSV schedules under
// a data directory:
//
//	<dir>/schedules/<week>.csv
//	<dir>/uploads/<week>/<stored name>
//	<dir>/uploads/<week>/<stored name>.json
type RosterFileRepository struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

func NewRosterFileRepository(dir string, maxBytes int64) *RosterFileRepository {
	return &RosterFileRepository{dir: dir, maxBytes: maxBytes, now: time.Now}
}

func (r *RosterFileRepository) schedulePath(week string) string {
	return filepath.Join(r.dir, "schedules", week+".csv")
}

func (r *RosterFileRepository) uploadDir(week string) string {
	return filepath.Join(r.dir, "uploads", week)
}

// ReadScheduleCSV parses the exported schedule of week. Columns are matched by
// header name so their order does not matter.
func (r *RosterFileRepository) ReadScheduleCSV(ctx context.Context, week string) ([]domain.ScheduleEntry, error) {
	if !domain.ValidWeek(week) {
		return nil, ErrInvalidWeek
	}
	f, err := os.Open(r.schedulePath(week))
	if errors.Is(err, os.ErrNotExist) {
		observability.RecordRepositoryOperation(ctx, "schedule_csv", "read", "not_found")
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "schedule_csv", "read", "error")
		return nil, fmt.Errorf("open schedule csv: %w", err)
	}
	defer f.Close()

	entries, err := parseScheduleCSV(f, week)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "schedule_csv", "read", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "schedule_csv", "read", "success")
	return entries, nil
}

func parseScheduleCSV(src io.Reader, week string) ([]domain.ScheduleEntry, error) {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimPrefix(strings.TrimSpace(name), "\uFEFF")] = i
	}
	for _, col := range scheduleCSVColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("schedule csv missing column %q", col)
		}
	}

	var entries []domain.ScheduleEntry
	for row := 0; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read schedule csv row %d: %w", row+1, err)
		}
		field := func(col string) string {
			i := index[col]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		if field("table_title") == "" || field("position") == "" || field("date") == "" {
			continue
		}
		entries = append(entries, domain.ScheduleEntry{
			Week:       week,
			TableTitle: field("table_title"),
			Position:   field("position"),
			TimeRange:  field("time_range"),
			Date:       field("date"),
			StaffName:  field("staff_name"),
			SortOrder:  row,
		})
	}
	return entries, nil
}

// WriteScheduleCSV exports entries in the same column layout ReadScheduleCSV
// expects.
func (r *RosterFileRepository) WriteScheduleCSV(ctx context.Context, week string, entries []domain.ScheduleEntry) error {
	if !domain.ValidWeek(week) {
		return ErrInvalidWeek
	}
	path := r.schedulePath(week)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create schedule dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "schedule_csv", "write", "error")
		return fmt.Errorf("create schedule csv: %w", err)
	}
	w := csv.NewWriter(f)
	_ = w.Write(scheduleCSVColumns)
	for _, e := range entries {
		_ = w.Write([]string{e.TableTitle, e.Position, e.TimeRange, e.Date, e.StaffName})
	}
	w.Flush()
	if err := errors.Join(w.Error(), f.Close()); err != nil {
		observability.RecordRepositoryOperation(ctx, "schedule_csv", "write", "error")
		return fmt.Errorf("write schedule csv: %w", err)
	}
	observability.RecordRepositoryOperation(ctx, "schedule_csv", "write", "success")
	return nil
}

// SaveImage stores an uploaded roster image for week together with a JSON
// sidecar describing it.
func (r *RosterFileRepository) SaveImage(ctx context.Context, week, filename string, src io.Reader, uploader string) (*domain.RosterImage, error) {
	if !domain.ValidWeek(week) {
		return nil, ErrInvalidWeek
	}
	ext := strings.ToLower(filepath.Ext(filename))
	contentType, ok := imageContentTypes[ext]
	if !ok {
		observability.RecordRepositoryOperation(ctx, "roster_image", "save", "invalid")
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrInvalidUpload, ext)
	}

	dir := r.uploadDir(week)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	now := r.now().UTC()
	stored := fmt.Sprintf("%s_%s%s", now.Format("20060102T150405"), uuid.NewString()[:8], ext)
	path := filepath.Join(dir, stored)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	n, copyErr := io.Copy(out, io.LimitReader(src, r.maxBytes+1))
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		observability.RecordRepositoryOperation(ctx, "roster_image", "save", "error")
		return nil, fmt.Errorf("write upload file: %w", err)
	}
	if n > r.maxBytes {
		_ = os.Remove(path)
		observability.RecordRepositoryOperation(ctx, "roster_image", "save", "invalid")
		return nil, ErrUploadTooLarge
	}
	if n == 0 {
		_ = os.Remove(path)
		observability.RecordRepositoryOperation(ctx, "roster_image", "save", "invalid")
		return nil, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}

	img := &domain.RosterImage{
		Week:         week,
		OriginalName: filepath.Base(filename),
		StoredName:   stored,
		Path:         path,
		ContentType:  contentType,
		Size:         n,
		UploadedBy:   uploader,
		UploadedAt:   now,
	}
	meta, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode upload metadata: %w", err)
	}
	if err := os.WriteFile(path+".json", meta, 0o644); err != nil {
		_ = os.Remove(path)
		observability.RecordRepositoryOperation(ctx, "roster_image", "save", "error")
		return nil, fmt.Errorf("write upload metadata: %w", err)
	}
	observability.RecordRepositoryOperation(ctx, "roster_image", "save", "success")
	return img, nil
}

func (r *RosterFileRepository) LatestImage(ctx context.Context, week string) (*domain.RosterImage, error) {
	if !domain.ValidWeek(week) {
		return nil, ErrInvalidWeek
	}
	images, err := r.imagesIn(week)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "roster_image", "latest", "error")
		return nil, err
	}
	if len(images) == 0 {
		observability.RecordRepositoryOperation(ctx, "roster_image", "latest", "not_found")
		return nil, ErrImageNotFound
	}
	observability.RecordRepositoryOperation(ctx, "roster_image", "latest", "success")
	return &images[0], nil
}

// ListImages returns every stored image, newest first.
func (r *RosterFileRepository) ListImages(ctx context.Context) ([]domain.RosterImage, error) {
	weeks, err := os.ReadDir(filepath.Join(r.dir, "uploads"))
	if errors.Is(err, os.ErrNotExist) {
		return []domain.RosterImage{}, nil
	}
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "roster_image", "list", "error")
		return nil, fmt.Errorf("list upload dir: %w", err)
	}
	all := []domain.RosterImage{}
	for _, w := range weeks {
		if !w.IsDir() || !domain.ValidWeek(w.Name()) {
			continue
		}
		images, err := r.imagesIn(w.Name())
		if err != nil {
			return nil, err
		}
		all = append(all, images...)
	}
	sortImagesNewestFirst(all)
	observability.RecordRepositoryOperation(ctx, "roster_image", "list", "success")
	return all, nil
}

func (r *RosterFileRepository) imagesIn(week string) ([]domain.RosterImage, error) {
	dir := r.uploadDir(week)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list uploads for %s: %w", week, err)
	}
	var images []domain.RosterImage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var img domain.RosterImage
		if err := json.Unmarshal(raw, &img); err != nil || img.StoredName == "" {
			continue
		}
		img.Path = filepath.Join(dir, filepath.Base(img.StoredName))
		if _, err := os.Stat(img.Path); err != nil {
			continue
		}
		images = append(images, img)
	}
	sortImagesNewestFirst(images)
	return images, nil
}

func sortImagesNewestFirst(images []domain.RosterImage) {
	sort.SliceStable(images, func(i, j int) bool {
		if !images[i].UploadedAt.Equal(images[j].UploadedAt) {
			return images[i].UploadedAt.After(images[j].UploadedAt)
		}
		return images[i].StoredName > images[j].StoredName
	})
}

// WeekDirs lists weeks that have either a CSV schedule or uploads.
func (r *RosterFileRepository) WeekDirs() ([]string, error) {
	seen := map[string]struct{}{}
	if entries, err := os.ReadDir(filepath.Join(r.dir, "schedules")); err == nil {
		for _, e := range entries {
			if week, ok := strings.CutSuffix(e.Name(), ".csv"); ok && domain.ValidWeek(week) {
				seen[week] = struct{}{}
			}
		}
	}
	if entries, err := os.ReadDir(filepath.Join(r.dir, "uploads")); err == nil {
		for _, e := range entries {
			if e.IsDir() && domain.ValidWeek(e.Name()) {
				seen[e.Name()] = struct{}{}
			}
		}
	}
	weeks := make([]string, 0, len(seen))
	for w := range seen {
		weeks = append(weeks, w)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(weeks)))
	return weeks, nil
}
