package scheduler

import (
	"container/heap"
	"time"
)

type pairKey struct {
	courseID  string
	accountID string
}

// Job is one pending registration attempt for a (course, account) pair.
// At most one live job exists per pair.
type Job struct {
	ID        string `json:"id"`
	CourseID  string `json:"course_id"`
	AccountID string `json:"account_id"`

	// FireAt is when the job is next due. OpenAt is the registration-open
	// instant of the occurrence the job belongs to; retry backoff is
	// measured from OpenAt, not from the failed attempt.
	FireAt time.Time `json:"fire_at"`
	OpenAt time.Time `json:"open_at"`

	// Attempt counts completed attempts (0 before the first one fires).
	Attempt int `json:"attempt"`

	// CourseSeq is the catalog order of the course, the first tie-break
	// for identical fire times.
	CourseSeq int `json:"-"`

	index   int  // heap bookkeeping
	running bool // popped and handed to a worker
}

func (j *Job) key() pairKey { return pairKey{j.CourseID, j.AccountID} }

// jobHeap orders jobs by fire time, then catalog order, then account id.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.FireAt.Equal(b.FireAt) {
		return a.FireAt.Before(b.FireAt)
	}
	if a.CourseSeq != b.CourseSeq {
		return a.CourseSeq < b.CourseSeq
	}
	return a.AccountID < b.AccountID
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

func (h *jobHeap) remove(j *Job) {
	if j.index >= 0 && j.index < len(*h) && (*h)[j.index] == j {
		heap.Remove(h, j.index)
	}
}
