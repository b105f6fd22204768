// Package scheduler runs the periodic jobs of the service. The only job today is
// the inbox watcher, which submits new documents found in a directory.
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler manages interval jobs
type Scheduler struct {
	scheduler *gocron.Scheduler
}

func New() *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	return &Scheduler{scheduler: s}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// ScheduleInterval schedules job every d. A run that is still going when the
// next tick fires is not overlapped.
func (s *Scheduler) ScheduleInterval(tag string, d time.Duration, job func()) error {
	_, err := s.scheduler.Every(d).Tag(tag).SingletonMode().Do(job)
	return err
}

// RemoveJob removes a scheduled job by tag
func (s *Scheduler) RemoveJob(tag string) error {
	return s.scheduler.RemoveByTag(tag)
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return s.scheduler.Len()
}
