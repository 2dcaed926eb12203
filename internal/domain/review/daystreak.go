package review

import (
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DAY STREAK
// Вторичный счётчик серии по календарным дням активности. Это отдельная,
// более грубая серия, чем Streak на карточке: та считает подряд правильные
// ответы, эта - подряд дни с любой активностью.
// ══════════════════════════════════════════════════════════════════════════════

// DayStreak - серия календарных дней активности пользователя.
type DayStreak struct {
	// Current - текущая длина серии в днях.
	Current int

	// Best - лучшая серия за всё время.
	Best int

	// LastActivityAt - время последней засчитанной активности.
	LastActivityAt time.Time
}

// Touch регистрирует активность и возвращает обновлённую серию:
//   - последняя активность была вчера: серия += 1
//   - последняя активность была сегодня: без изменений
//   - иначе (разрыв или первая активность): серия = 1
func (d DayStreak) Touch(now time.Time) DayStreak {
	out := d
	switch {
	case d.LastActivityAt.IsZero():
		out.Current = 1
	case timeutil.IsSameDay(d.LastActivityAt, now):
		// уже засчитано сегодня
	case timeutil.IsYesterday(d.LastActivityAt, now):
		out.Current++
	default:
		out.Current = 1
	}
	if out.Current > out.Best {
		out.Best = out.Current
	}
	out.LastActivityAt = now
	return out
}
