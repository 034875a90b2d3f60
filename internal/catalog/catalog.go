package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"coursebot/internal/config"
)

// Course is one bookable course with its weekly slot.
// Immutable once loaded from the catalog.
type Course struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Location   string `json:"location,omitempty"`
	Timeframe  string `json:"timeframe,omitempty"`
	Instructor string `json:"instructor,omitempty"`
	Level      string `json:"level,omitempty"`

	Weekday     time.Weekday `json:"weekday"`
	StartHour   int          `json:"start_hour"`
	StartMinute int          `json:"start_minute"`

	// Seq is the catalog insertion order; it is the dashboard display order
	// and the scheduler tie-break order for identical fire times.
	Seq int `json:"seq"`
}

// Account is one roster entry. Credentials are opaque to the engine; the
// credential source resolves CredentialRef.
type Account struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	CredentialRef string   `json:"credential_ref"`
	Excluded      []string `json:"excluded,omitempty"`
}

// ExcludesCourse reports whether the roster marks courseID as never
// auto-registered for this account.
func (a Account) ExcludesCourse(courseID string) bool {
	for _, id := range a.Excluded {
		if id == courseID {
			return true
		}
	}
	return false
}

// Catalog holds the loaded course list and account roster.
// It is read-only after construction; reloads build a new Catalog.
type Catalog struct {
	courses  []Course
	byID     map[string]Course
	accounts []Account
}

// Load builds a Catalog from configuration. Course order is preserved.
func Load(courses []config.CourseConfig, accounts []config.AccountConfig) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Course, len(courses))}
	for i, cc := range courses {
		id := strings.TrimSpace(cc.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog[%d]: id is required", i)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("catalog[%d]: duplicate course id %q", i, id)
		}
		wd, err := parseWeekday(cc.Day)
		if err != nil {
			return nil, fmt.Errorf("catalog[%d] (%s): %w", i, id, err)
		}
		h, m, err := parseHHMM(cc.Start)
		if err != nil {
			return nil, fmt.Errorf("catalog[%d] (%s): %w", i, id, err)
		}
		course := Course{
			ID:          id,
			Name:        cc.Name,
			Location:    cc.Location,
			Timeframe:   cc.Timeframe,
			Instructor:  cc.Instructor,
			Level:       cc.Level,
			Weekday:     wd,
			StartHour:   h,
			StartMinute: m,
			Seq:         i,
		}
		c.courses = append(c.courses, course)
		c.byID[id] = course
	}

	seen := map[string]bool{}
	for i, ac := range accounts {
		id := strings.TrimSpace(ac.ID)
		if id == "" {
			return nil, fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("accounts[%d]: duplicate account id %q", i, id)
		}
		seen[id] = true
		for _, ex := range ac.Exclude {
			if _, ok := c.byID[ex]; !ok {
				return nil, fmt.Errorf("accounts[%d] (%s): exclusion references unknown course %q", i, id, ex)
			}
		}
		c.accounts = append(c.accounts, Account{
			ID:            id,
			Email:         ac.Email,
			CredentialRef: ac.CredentialRef,
			Excluded:      append([]string(nil), ac.Exclude...),
		})
	}
	return c, nil
}

// Courses returns all courses in display order.
func (c *Catalog) Courses() []Course {
	return append([]Course(nil), c.courses...)
}

// Course looks up a course by id.
func (c *Catalog) Course(id string) (Course, bool) {
	course, ok := c.byID[id]
	return course, ok
}

// Accounts returns the account roster.
func (c *Catalog) Accounts() []Account {
	return append([]Account(nil), c.accounts...)
}

// Account looks up an account by id.
func (c *Catalog) Account(id string) (Account, bool) {
	for _, a := range c.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
