package model

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
)

// Pagination represents common pagination parameters
type Pagination struct {
	Page     int `json:"page" form:"page"`
	PageSize int `json:"page_size" form:"page_size"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
	// MaxPage bounds Offset well inside int range
	MaxPage = 1_000_000
)

// Normalize clamps page and page size to usable values
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// DaySchedule is an ordered list of day offsets stored as a postgres integer array
type DaySchedule []int64

func (s DaySchedule) Value() (driver.Value, error) {
	return pq.Int64Array(s).Value()
}

func (s *DaySchedule) Scan(src interface{}) error {
	return (*pq.Int64Array)(s).Scan(src)
}

func (s DaySchedule) Clone() DaySchedule {
	if s == nil {
		return nil
	}
	out := make(DaySchedule, len(s))
	copy(out, s)
	return out
}

// AddDays moves t by whole calendar days
func AddDays(t time.Time, days int64) time.Time {
	return t.AddDate(0, 0, int(days))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
