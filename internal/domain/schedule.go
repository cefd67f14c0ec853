package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type ScheduleSource string

const (
	ScheduleSourceManual ScheduleSource = "manual"
	ScheduleSourceCSV    ScheduleSource = "csv"
	ScheduleSourceEmpty  ScheduleSource = "empty"
)

// ScheduleEntry is one manual assignment: a staff member on a given date for
// one position of one table.
type ScheduleEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Week       string    `gorm:"size:16;index;not null" json:"week"`
	TableTitle string    `gorm:"size:100;not null" json:"table_title"`
	Position   string    `gorm:"size:50;not null" json:"position"`
	TimeRange  string    `gorm:"size:50" json:"time_range"`
	Date       string    `gorm:"size:20;not null" json:"date"`
	StaffName  string    `gorm:"size:100" json:"staff_name"`
	SortOrder  int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedBy  string    `gorm:"size:100" json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

type ScheduleShift struct {
	Position    string            `json:"position"`
	TimeRange   string            `json:"time_range"`
	Assignments map[string]string `json:"assignments"`
}

type ScheduleTable struct {
	Title  string          `json:"title"`
	Shifts []ScheduleShift `json:"shifts"`
}

type Schedule struct {
	Week   string          `json:"week"`
	Dates  []string        `json:"dates"`
	Tables []ScheduleTable `json:"tables"`
	Source ScheduleSource  `json:"source"`
}

type RosterImage struct {
	Week         string    `json:"week"`
	OriginalName string    `json:"original_name"`
	StoredName   string    `json:"stored_name"`
	Path         string    `json:"-"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	UploadedBy   string    `json:"uploaded_by"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

var weekPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// ValidWeek reports whether week has the YYYY-WW form with a plausible ISO
// week number.
func ValidWeek(week string) bool {
	if !weekPattern.MatchString(week) {
		return false
	}
	n := int(week[5]-'0')*10 + int(week[6]-'0')
	return n >= 1 && n <= 53
}

// WeekOf returns the ISO week id for t, e.g. 2024-32.
func WeekOf(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-%02d", year, week)
}

// WeekLabel renders a week id for people, e.g. 2024年第32周.
func WeekLabel(week string) string {
	if !ValidWeek(week) {
		return "未知周次"
	}
	return fmt.Sprintf("%s年第%s周", week[:4], strings.TrimPrefix(week[5:], "0"))
}
