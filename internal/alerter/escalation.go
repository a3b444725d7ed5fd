package alerter

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
)

// FireFunc is called on the scheduler loop, without the scheduler lock held,
// when an escalation step is due.
type FireFunc func(alertID string, step int, generation uint64)

// Run is the escalation progress of one alert
type Run struct {
	AlertID          string                  `json:"alert_id"`
	PolicyName       string                  `json:"policy"`
	Steps            []config.EscalationStep `json:"-"`
	FirstSeenAt      time.Time               `json:"first_seen_at"`
	CurrentStepIndex int                     `json:"current_step"`
	NextFireAt       *time.Time              `json:"next_fire_at,omitempty"`
	Generation       uint64                  `json:"generation"`

	entry *entry
}

// entry is one scheduled step in the queue
type entry struct {
	alertID    string
	step       int
	at         time.Time
	generation uint64
	index      int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].alertID < h[j].alertID
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler fires escalation steps. Every run keeps at most one entry in a
// single priority queue, drained by one loop at a fixed resolution. Step
// delays are offsets from the alert's first sighting.
type Scheduler struct {
	log  zerolog.Logger
	tick time.Duration
	fire FireFunc
	now  func() time.Time

	mu         sync.Mutex
	queue      entryHeap
	runs       map[string]*Run
	generation uint64
}

// NewScheduler creates a scheduler that checks the queue every tick
func NewScheduler(log zerolog.Logger, tick time.Duration, fire FireFunc) *Scheduler {
	if tick <= 0 {
		tick = config.DefaultEscalationTick
	}
	return &Scheduler{
		log:  log.With().Str("component", "escalation").Logger(),
		tick: tick,
		fire: fire,
		now:  time.Now,
		runs: make(map[string]*Run),
	}
}

// Start begins a run for alertID whose step 0 has just been dispatched by
// the caller. Later steps are scheduled at firstSeen+delay; steps whose
// time already passed at now are skipped. Any previous run of the alert is
// cancelled. The returned generation identifies the run.
func (s *Scheduler) Start(alertID, policyName string, steps []config.EscalationStep, firstSeen, now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(alertID)
	s.generation++
	run := &Run{
		AlertID:     alertID,
		PolicyName:  policyName,
		Steps:       steps,
		FirstSeenAt: firstSeen,
		Generation:  s.generation,
	}
	s.runs[alertID] = run

	next := 1
	for next < len(steps) && firstSeen.Add(steps[next].Delay).Before(now) {
		next++
	}
	if next > 1 {
		s.log.Debug().Str("alert_id", alertID).Int("skipped", next-1).Msg("Skipping elapsed escalation steps")
	}
	s.scheduleLocked(run, next)
	if run.entry == nil {
		delete(s.runs, alertID)
	}
	return run.Generation
}

// scheduleLocked queues step of run, or ends the run after its last step
func (s *Scheduler) scheduleLocked(run *Run, step int) {
	if step >= len(run.Steps) {
		run.entry = nil
		run.NextFireAt = nil
		return
	}
	at := run.FirstSeenAt.Add(run.Steps[step].Delay)
	e := &entry{alertID: run.AlertID, step: step, at: at, generation: run.Generation}
	heap.Push(&s.queue, e)
	run.entry = e
	run.NextFireAt = &at
}

// Cancel stops the run of alertID. Once Cancel returns no further step of
// that run is handed to the fire function.
func (s *Scheduler) Cancel(alertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(alertID)
}

func (s *Scheduler) cancelLocked(alertID string) bool {
	run, ok := s.runs[alertID]
	if !ok {
		return false
	}
	if run.entry != nil && run.entry.index >= 0 {
		heap.Remove(&s.queue, run.entry.index)
	}
	delete(s.runs, alertID)
	s.log.Debug().Str("alert_id", alertID).Uint64("generation", run.Generation).Msg("Escalation cancelled")
	return true
}

// Step returns step of the run identified by alertID and generation, and
// records it as the current step. It reports false for a cancelled or
// superseded run. A run ends once its last step has been handed out.
func (s *Scheduler) Step(alertID string, generation uint64, step int) (config.EscalationStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[alertID]
	if !ok || run.Generation != generation || step >= len(run.Steps) {
		return config.EscalationStep{}, false
	}
	run.CurrentStepIndex = step
	if run.entry == nil {
		delete(s.runs, alertID)
	}
	return run.Steps[step], true
}

// Run drains the queue every tick until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(s.now())
		}
	}
}

// fireDue pops every entry due at now, queues the next step of its run and
// then calls the fire function outside the lock
func (s *Scheduler) fireDue(now time.Time) int {
	var due []*entry

	s.mu.Lock()
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		run, ok := s.runs[e.alertID]
		if !ok || run.Generation != e.generation {
			continue
		}
		due = append(due, e)
		s.scheduleLocked(run, e.step+1)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.log.Debug().Str("alert_id", e.alertID).Int("step", e.step).Msg("Escalation step due")
		s.fire(e.alertID, e.step, e.generation)
	}
	return len(due)
}

// Pending returns the number of runs with a step still queued
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Runs returns a snapshot of the active runs ordered by alert id
func (s *Scheduler) Runs() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		snapshot := *run
		snapshot.entry = nil
		out = append(out, snapshot)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AlertID < out[j].AlertID })
	return out
}

// Stop cancels every run
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.runs)
	s.queue = nil
	s.runs = make(map[string]*Run)
	if n > 0 {
		s.log.Info().Int("runs", n).Msg("Escalation runs cancelled")
	}
}
