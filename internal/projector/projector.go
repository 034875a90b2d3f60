// Package projector builds read-only dashboard views from the catalog,
// the status store, and the pending-job queue. It never mutates state.
package projector

import (
	"context"
	"fmt"
	"time"

	"coursebot/internal/catalog"
	"coursebot/internal/scheduler"
	"coursebot/internal/store"
)

// JobSource exposes the pending queue for projection.
type JobSource interface {
	PendingJobs() []scheduler.JobView
}

// AccountStatus is one account's state for a course.
type AccountStatus struct {
	AccountID string       `json:"account_id"`
	Status    store.Status `json:"status"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// CourseRow is one dashboard row: the course, its merged status, and the
// per-account breakdown.
//
// The merged status is the most settled state any account reached:
// registered if any account is registered, otherwise excluded if any is
// excluded, otherwise available.
type CourseRow struct {
	Course   catalog.Course  `json:"course"`
	Status   store.Status    `json:"status"`
	Accounts []AccountStatus `json:"accounts"`
}

// Upcoming is one pending registration with its time-until, computed at
// render time so repeated reads show it shrinking.
type Upcoming struct {
	CourseID   string        `json:"course_id"`
	CourseName string        `json:"course_name"`
	AccountID  string        `json:"account_id"`
	FireAt     time.Time     `json:"fire_at"`
	OpenAt     time.Time     `json:"open_at"`
	Attempt    int           `json:"attempt"`
	TimeUntil  time.Duration `json:"-"`
	Until      string        `json:"time_until"`
}

type Projector struct {
	st   store.Store
	jobs JobSource

	cat func() *catalog.Catalog
	now func() time.Time
}

// New builds a projector. catalogFn returns the active catalog (it may
// change on reload); now may be nil for the wall clock.
func New(st store.Store, jobs JobSource, catalogFn func() *catalog.Catalog, now func() time.Time) *Projector {
	if now == nil {
		now = time.Now
	}
	return &Projector{st: st, jobs: jobs, cat: catalogFn, now: now}
}

// Courses returns one row per catalog course, in catalog order.
func (p *Projector) Courses(ctx context.Context) ([]CourseRow, error) {
	cat := p.cat()
	records, err := p.st.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	type pair struct{ course, account string }
	byPair := make(map[pair]store.StatusRecord, len(records))
	for _, r := range records {
		byPair[pair{r.CourseID, r.AccountID}] = r
	}

	accounts := cat.Accounts()
	rows := make([]CourseRow, 0, len(cat.Courses()))
	for _, course := range cat.Courses() {
		row := CourseRow{Course: course, Status: store.StatusAvailable}
		anyExcluded := false
		for _, a := range accounts {
			as := AccountStatus{AccountID: a.ID, Status: store.StatusAvailable}
			if rec, ok := byPair[pair{course.ID, a.ID}]; ok {
				as.Status = rec.Status
				as.UpdatedAt = rec.UpdatedAt
			}
			switch as.Status {
			case store.StatusRegistered:
				row.Status = store.StatusRegistered
			case store.StatusExcluded:
				anyExcluded = true
			}
			row.Accounts = append(row.Accounts, as)
		}
		if row.Status != store.StatusRegistered && anyExcluded {
			row.Status = store.StatusExcluded
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// UpcomingJobs returns pending registrations in fire order with a fresh
// time-until per call.
func (p *Projector) UpcomingJobs() []Upcoming {
	cat := p.cat()
	now := p.now()

	jobs := p.jobs.PendingJobs()
	out := make([]Upcoming, 0, len(jobs))
	for _, j := range jobs {
		name := j.CourseID
		if c, ok := cat.Course(j.CourseID); ok {
			name = c.Name
		}
		until := j.FireAt.Sub(now)
		if until < 0 {
			until = 0
		}
		out = append(out, Upcoming{
			CourseID:   j.CourseID,
			CourseName: name,
			AccountID:  j.AccountID,
			FireAt:     j.FireAt,
			OpenAt:     j.OpenAt,
			Attempt:    j.Attempt,
			TimeUntil:  until,
			Until:      formatUntil(until),
		})
	}
	return out
}

// RecentAudit returns the newest n audit entries, newest first.
func (p *Projector) RecentAudit(ctx context.Context, n int) ([]store.AuditEntry, error) {
	if n <= 0 {
		n = 50
	}
	return p.st.RecentAudit(ctx, n)
}

// Accounts returns the roster without credential material.
func (p *Projector) Accounts() []catalog.Account {
	return p.cat().Accounts()
}

// Course looks up a catalog course.
func (p *Projector) Course(id string) (catalog.Course, bool) {
	return p.cat().Course(id)
}

// Account looks up a roster account.
func (p *Projector) Account(id string) (catalog.Account, bool) {
	return p.cat().Account(id)
}

// formatUntil renders a duration as "2d 03:15:04" / "03:15:04".
func formatUntil(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
