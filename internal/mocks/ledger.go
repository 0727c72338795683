package mocks

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
)

// Ledger is an in-memory database shared by the mock stores. The stores it
// hands out see each other's writes, mirroring the guarded updates of the
// PostgreSQL implementations so worker-level tests can assert on state.
type Ledger struct {
	mu       sync.Mutex
	seq      int
	jobs     map[uuid.UUID]*domain.Job
	tasks    map[uuid.UUID]*domain.Task
	reviews  []*domain.Review
	history  map[domain.EntityKey]*domain.History
	entities map[uuid.UUID]*domain.MonitoredEntity
	order    map[uuid.UUID]int

	jobStore    *MockJobStore
	taskStore   *MockTaskStore
	reviewStore *MockReviewStore
	entityStore *MockEntityStore
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	l := &Ledger{
		jobs:     make(map[uuid.UUID]*domain.Job),
		tasks:    make(map[uuid.UUID]*domain.Task),
		history:  make(map[domain.EntityKey]*domain.History),
		entities: make(map[uuid.UUID]*domain.MonitoredEntity),
		order:    make(map[uuid.UUID]int),
	}
	l.jobStore = &MockJobStore{l: l}
	l.taskStore = &MockTaskStore{l: l}
	l.reviewStore = &MockReviewStore{l: l}
	l.entityStore = &MockEntityStore{l: l}
	return l
}

// Jobs returns the job store view of the ledger.
func (l *Ledger) Jobs() *MockJobStore { return l.jobStore }

// Tasks returns the task store view of the ledger.
func (l *Ledger) Tasks() *MockTaskStore { return l.taskStore }

// Reviews returns the review and history store view of the ledger.
func (l *Ledger) Reviews() *MockReviewStore { return l.reviewStore }

// Entities returns the monitored entity store view of the ledger.
func (l *Ledger) Entities() *MockEntityStore { return l.entityStore }

// Job returns a snapshot of a job, or nil.
func (l *Ledger) Job(id uuid.UUID) *domain.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	if j, ok := l.jobs[id]; ok {
		return copyJob(j)
	}
	return nil
}

// Task returns a snapshot of a task, or nil.
func (l *Ledger) Task(id uuid.UUID) *domain.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tasks[id]; ok {
		return copyTask(t)
	}
	return nil
}

// TasksOf returns snapshots of every task of a job in position order.
func (l *Ledger) TasksOf(jobID uuid.UUID) []*domain.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasksOfLocked(jobID, nil)
}

// AllReviews returns every stored review in insertion order.
func (l *Ledger) AllReviews() []*domain.Review {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.Review, len(l.reviews))
	copy(out, l.reviews)
	return out
}

// Entity returns a snapshot of a monitored entity, or nil.
func (l *Ledger) Entity(id uuid.UUID) *domain.MonitoredEntity {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entities[id]; ok {
		c := *e
		return &c
	}
	return nil
}

// PutJob stores a job as-is, bypassing validation. Tests use it to set up
// drifted counters or arbitrary statuses.
func (l *Ledger) PutJob(j *domain.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.putLocked(j.ID)
	l.jobs[j.ID] = copyJob(j)
}

// PutTask stores a task as-is.
func (l *Ledger) PutTask(t *domain.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.putLocked(t.ID)
	l.tasks[t.ID] = copyTask(t)
}

// PutEntity stores a monitored entity as-is.
func (l *Ledger) PutEntity(e *domain.MonitoredEntity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.putLocked(e.ID)
	c := *e
	l.entities[e.ID] = &c
}

func (l *Ledger) putLocked(id uuid.UUID) {
	if _, ok := l.order[id]; !ok {
		l.seq++
		l.order[id] = l.seq
	}
}

func (l *Ledger) tasksOfLocked(jobID uuid.UUID, keep func(*domain.Task) bool) []*domain.Task {
	var out []*domain.Task
	for _, t := range l.tasks {
		if t.JobID != jobID {
			continue
		}
		if keep != nil && !keep(t) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return l.order[out[i].ID] < l.order[out[j].ID]
	})
	return out
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	c.Config.StarFilters = append([]domain.StarFilter(nil), j.Config.StarFilters...)
	return &c
}

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	return &c
}
