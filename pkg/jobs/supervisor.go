// Package jobs supervises the streamed status feeds of backend analysis
// jobs. At most one live stream exists per job and at most one active job
// per tab; updates are forwarded to whichever UI is attached.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/sidecart/pkg/gateway"
	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/types"
)

// Progress marker sentinels carried in stream events.
const (
	stepComplete = 100
	stepFailed   = -99
)

// StreamOpener opens the status stream for a job. Implemented by the
// admission gateway.
type StreamOpener interface {
	OpenJobStream(ctx context.Context, jobID, streamToken string) (gateway.Stream, error)
}

// Forwarder receives job updates destined for the UI.
type Forwarder interface {
	DeliverJobUpdate(tabID int, update types.JobUpdate)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithStuckTimeout overrides the stuck-job deadline measured from stream
// start.
func WithStuckTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stuckTimeout = d }
}

// Supervisor owns the job and stream registries.
type Supervisor struct {
	opener       StreamOpener
	forward      Forwarder
	logger       *logging.Logger
	stuckTimeout time.Duration

	mu      sync.Mutex
	streams map[string]*jobStream
	tabJobs map[int]string
	closed  bool
}

type jobStream struct {
	jobID  string
	tabID  int
	stream gateway.Stream
	stuck  *time.Timer
}

// NewSupervisor creates a job stream supervisor.
func NewSupervisor(opener StreamOpener, forward Forwarder, opts ...Option) *Supervisor {
	s := &Supervisor{
		opener:       opener,
		forward:      forward,
		stuckTimeout: 20 * time.Second,
		streams:      make(map[string]*jobStream),
		tabJobs:      make(map[int]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger, _ = logging.NewLogger("jobs")
	}
	return s
}

// Start opens the status stream for a job and binds it to a tab. Any
// existing stream under the same job id is closed first, as is any other
// job currently bound to the tab.
func (s *Supervisor) Start(ctx context.Context, jobID, streamToken string, tabID int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if prev, ok := s.streams[jobID]; ok {
		s.teardownLocked(prev, false)
	}
	if prevJob, ok := s.tabJobs[tabID]; ok && prevJob != jobID {
		if prev, exists := s.streams[prevJob]; exists {
			s.teardownLocked(prev, false)
		}
		delete(s.tabJobs, tabID)
	}
	s.mu.Unlock()

	stream, err := s.opener.OpenJobStream(ctx, jobID, streamToken)
	if err != nil {
		return err
	}

	handle := &jobStream{jobID: jobID, tabID: tabID, stream: stream}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return nil
	}
	// A concurrent Start may have registered a stream for this job or tab
	// while the open call was blocking; close it rather than orphan it.
	if prev, ok := s.streams[jobID]; ok {
		s.teardownLocked(prev, false)
	}
	if prevJob, ok := s.tabJobs[tabID]; ok && prevJob != jobID {
		if prev, exists := s.streams[prevJob]; exists {
			s.teardownLocked(prev, false)
		}
	}
	s.streams[jobID] = handle
	s.tabJobs[tabID] = jobID
	handle.stuck = time.AfterFunc(s.stuckTimeout, func() { s.jobStuck(handle) })
	s.mu.Unlock()

	s.logger.Infof("job %s: stream opened for tab %d", jobID, tabID)
	go s.consume(handle)
	return nil
}

func (s *Supervisor) consume(handle *jobStream) {
	for event := range handle.stream.Events() {
		if event.Err != nil {
			s.logger.Errorf("job %s: stream failed: %v", handle.jobID, event.Err)
			s.forward.DeliverJobUpdate(handle.tabID, types.JobUpdate{
				JobID:   handle.jobID,
				Message: types.JobStatusError,
			})
			s.remove(handle)
			return
		}

		s.forward.DeliverJobUpdate(handle.tabID, types.JobUpdate{
			JobID:   handle.jobID,
			Message: event.Message,
			Data:    event.Raw,
		})

		if event.Step == stepComplete || event.Step == stepFailed {
			s.logger.Infof("job %s: terminal step %d", handle.jobID, event.Step)
			s.remove(handle)
			return
		}
	}
	// Stream ended without a terminal marker.
	s.remove(handle)
}

// jobStuck fires when a stream produced no terminal event within the
// stuck-job deadline.
func (s *Supervisor) jobStuck(handle *jobStream) {
	s.mu.Lock()
	current, ok := s.streams[handle.jobID]
	if !ok || current != handle {
		s.mu.Unlock()
		return
	}
	s.teardownLocked(handle, false)
	s.mu.Unlock()

	s.logger.Warnf("job %s: no terminal event within %s, giving up", handle.jobID, s.stuckTimeout)
	s.forward.DeliverJobUpdate(handle.tabID, types.JobUpdate{
		JobID:   handle.jobID,
		Message: types.JobStatusError,
	})
}

// remove drops the job registration after the stream has ended. The tab
// binding stays; it is cleared only by an explicit tab-level stop.
func (s *Supervisor) remove(handle *jobStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.streams[handle.jobID]; ok && current == handle {
		s.teardownLocked(handle, false)
	}
}

// teardownLocked closes a stream and removes its job registration.
// Optionally clears the tab binding as well.
func (s *Supervisor) teardownLocked(handle *jobStream, unbindTab bool) {
	if handle.stuck != nil {
		handle.stuck.Stop()
	}
	handle.stream.Close()
	delete(s.streams, handle.jobID)
	if unbindTab {
		if bound, ok := s.tabJobs[handle.tabID]; ok && bound == handle.jobID {
			delete(s.tabJobs, handle.tabID)
		}
	}
}

// Stop closes the job's stream and removes both registrations, used for
// explicit UI-driven cancellation.
func (s *Supervisor) Stop(jobID string, tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.streams[jobID]; ok {
		s.teardownLocked(handle, true)
	}
	if bound, ok := s.tabJobs[tabID]; ok && bound == jobID {
		delete(s.tabJobs, tabID)
	}
}

// StopForTab tears down whatever job is bound to a tab. Called on every
// navigation so a stale stream never outlives its page.
func (s *Supervisor) StopForTab(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.tabJobs[tabID]
	if !ok {
		return
	}
	if handle, exists := s.streams[jobID]; exists {
		s.teardownLocked(handle, true)
	}
	delete(s.tabJobs, tabID)
}

// JobForTab reports the job currently bound to a tab.
func (s *Supervisor) JobForTab(tabID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.tabJobs[tabID]
	return jobID, ok
}

// Close tears down every stream and binding.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, handle := range s.streams {
		if handle.stuck != nil {
			handle.stuck.Stop()
		}
		handle.stream.Close()
	}
	s.streams = make(map[string]*jobStream)
	s.tabJobs = make(map[int]string)
}
