package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
)

//Cron expressions for the standard pipeline jobs, evaluated in the configured timezone
const (
	DailyAggregationSchedule   = "10 0 * * *"
	MonthlyAggregationSchedule = "20 0 1 * *"
	ReconciliationSchedule     = "0 2 * * *"
)

//Scheduler owns named cron jobs and lets callers trigger any of them on demand,
//so tests and admin tooling never have to wait for wall-clock time
type Scheduler struct {
	log  logging.Logger
	impl *cron.Cron

	mu   sync.Mutex
	jobs map[string]func()
}

//New creates a scheduler whose cron expressions are evaluated in loc
func New(log logging.Logger, loc *time.Location) *Scheduler {
	return &Scheduler{
		log:  log,
		impl: cron.New(cron.WithLocation(loc)),
		jobs: map[string]func(){},
	}
}

//Register adds a named job with a cron expression
func (s *Scheduler) Register(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s is already registered", name)
	}

	wrapped := func() {
		s.log.Infof("Running scheduled job %s", name)
		fn()
	}

	if _, err := s.impl.AddFunc(spec, wrapped); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs[name] = fn
	return nil
}

//RunNow invokes a registered job synchronously
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no job registered with name %s", name)
	}

	fn()
	return nil
}

//Names returns the registered job names in sorted order
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

//Start begins running jobs on their cron schedules
func (s *Scheduler) Start() {
	s.impl.Start()
}

//Stop halts the cron runner; a job already in flight finishes
func (s *Scheduler) Stop() {
	s.impl.Stop()
}
