package plan

import (
	"time"

	"postify/internal/domain"
)

// Planner подбирает каждой платформе ближайший пиковый слот публикации.
// Все вычисления ведутся в часовом поясе аудитории.
type Planner struct {
	location *time.Location
}

// NewPlanner создаёт планировщик в указанном поясе.
func NewPlanner(location *time.Location) *Planner {
	if location == nil {
		location = time.UTC
	}
	return &Planner{location: location}
}

// NextSlot возвращает ближайший пиковый слот платформы строго в будущем
// относительно now. Слот в прошлом или равный now переносится на сутки.
func (p *Planner) NextSlot(platform domain.Platform, now time.Time) time.Time {
	local := now.In(p.location)
	slot := peakTime(platform, local)
	if !slot.After(local) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot
}

// peakTime — пиковое время платформы на день base:
//   - linkedin: 09:45, с выходных переносится на понедельник;
//   - twitter: 09:30 до полудня, иначе 18:00;
//   - instagram: 12:00 до полудня, иначе 19:30;
//   - facebook: 13:00 до полудня, иначе 19:00;
//   - остальные: 12:00.
func peakTime(platform domain.Platform, base time.Time) time.Time {
	switch platform {
	case domain.PlatformLinkedIn:
		if wd := base.Weekday(); wd == time.Saturday || wd == time.Sunday {
			days := (8 - int(wd)) % 7
			if days == 0 {
				days = 1
			}
			base = base.AddDate(0, 0, days)
		}
		return at(base, 9, 45)
	case domain.PlatformTwitter:
		if base.Hour() < 12 {
			return at(base, 9, 30)
		}
		return at(base, 18, 0)
	case domain.PlatformInstagram:
		if base.Hour() < 12 {
			return at(base, 12, 0)
		}
		return at(base, 19, 30)
	case domain.PlatformFacebook:
		if base.Hour() < 12 {
			return at(base, 13, 0)
		}
		return at(base, 19, 0)
	}
	return at(base, 12, 0)
}

func at(base time.Time, hour, minute int) time.Time {
	return time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, base.Location())
}
