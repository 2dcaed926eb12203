package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule запускает задачу с фиксированным интервалом.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule создаёт расписание с фиксированным интервалом.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{
		Interval: interval,
	}
}

// Next возвращает следующее время запуска.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String возвращает строковое представление расписания.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval.String())
}
