package machine

import (
	"context"
	"errors"
	"time"

	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

var ErrNotFound = errors.New("machine not found")

// Provider abstracts the compute backend. All calls go through one
// ingress endpoint; per-instance routing is the agent client's job.
type Provider interface {
	Create(ctx context.Context, name string, cfg models.MachineConfig) (*models.Machine, error)
	List(ctx context.Context) ([]*models.Machine, error)
	Get(ctx context.Context, id string) (*models.Machine, error)
	Destroy(ctx context.Context, id string) error
	// WaitUntilStarted polls the machine state at pollInterval until it
	// reports started or the deadline elapses.
	WaitUntilStarted(ctx context.Context, id string, pollInterval, deadline time.Duration) error
}

// WaitStarted is the shared bounded polling loop behind
// WaitUntilStarted implementations.
func WaitStarted(ctx context.Context, p Provider, id string, pollInterval, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		m, err := p.Get(ctx, id)
		if err == nil && m.State == models.StateStarted {
			return nil
		}
		select {
		case <-ctx.Done():
			return &StartTimeoutError{ID: id, Deadline: deadline}
		case <-ticker.C:
		}
	}
}

// StartTimeoutError is the fatal-provisioning failure: the instance
// never reached the started state within its deadline.
type StartTimeoutError struct {
	ID       string
	Deadline time.Duration
}

func (e *StartTimeoutError) Error() string {
	return "machine " + e.ID + " did not start within " + e.Deadline.String()
}
