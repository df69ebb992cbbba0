package pipeline

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed standard cron expression: five fields
// (minute hour day-of-month month day-of-week) or a descriptor such as
// @daily.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// ParseSchedule parses expr.
func ParseSchedule(expr string) (Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return Schedule{expr: expr, sched: s}, nil
}

// Next returns the first activation strictly after after. It fails for
// expressions that never fire, such as February 31st.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	next := s.sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", s.expr)
	}
	return next, nil
}
