package generation

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
)

// ErrGenerationActive is returned when a chat already has a run in flight.
// Concurrent generations for the same chat are not coordinated downstream, so
// admission is refused here, at the caller boundary.
var ErrGenerationActive = errors.New("a generation is already active for this chat")

// Supervisor owns the goroutines that run detached generations. Workers get a
// background-derived context, so they outlive the HTTP request that scheduled
// them and ignore subscriber disconnects; Wait drains them on shutdown.
type Supervisor struct {
	worker *Worker

	mu     sync.Mutex
	active map[string]string // chatID -> runID
	wg     sync.WaitGroup

	// base context for all runs, cancelled only on hard shutdown
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewSupervisor creates a supervisor around the given worker.
func NewSupervisor(worker *Worker) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		worker:  worker,
		active:  make(map[string]string),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start schedules a detached generation run and returns its run id
// immediately. At most one run per chat is admitted at a time.
func (s *Supervisor) Start(req Request) (string, error) {
	if req.RunID == "" {
		req.RunID = ulid.Make().String()
	}

	s.mu.Lock()
	if _, busy := s.active[req.ChatID]; busy {
		s.mu.Unlock()
		return "", ErrGenerationActive
	}
	s.active[req.ChatID] = req.RunID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, req.ChatID)
			s.mu.Unlock()
		}()
		s.worker.Run(s.baseCtx, req)
	}()

	return req.RunID, nil
}

// Active reports whether a run is in flight for the chat.
func (s *Supervisor) Active(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.active[chatID]
	return busy
}

// Wait blocks until all in-flight runs finish or ctx expires. On expiry the
// remaining runs are cancelled.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
