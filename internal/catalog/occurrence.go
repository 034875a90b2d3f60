package catalog

import "time"

// NextOccurrence returns the next start of the course's weekly slot at or
// after now, in now's location. If today is the course day but the start
// time already passed, the occurrence falls on next week.
func (c Course) NextOccurrence(now time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), c.StartHour, c.StartMinute, 0, 0, now.Location())

	days := (int(c.Weekday) - int(now.Weekday()) + 7) % 7
	if days == 0 && now.After(start) {
		days = 7
	}
	return start.AddDate(0, 0, days)
}

// RegistrationOpenAt returns the instant registration opens for the
// occurrence starting at courseStart: lead before the course starts.
func RegistrationOpenAt(courseStart time.Time, lead time.Duration) time.Time {
	return courseStart.Add(-lead)
}

// JustStarted reports whether the course's nearest occurrence start lies
// within grace of now. Such occurrences are skipped: registering for a
// session already underway is pointless.
func (c Course) JustStarted(now time.Time, grace time.Duration) bool {
	start := time.Date(now.Year(), now.Month(), now.Day(), c.StartHour, c.StartMinute, 0, 0, now.Location())
	days := (int(c.Weekday) - int(now.Weekday()) + 7) % 7
	start = start.AddDate(0, 0, days)

	diff := now.Sub(start)
	if diff < 0 {
		diff = -diff
	}
	return diff <= grace
}
