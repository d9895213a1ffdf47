package task

// coordinator.go - progress fan-out on top of the shared store. The
// coordinator polls the store so subscribers in one process observe
// progress written by workers in another.

import (
	"context"
	"log/slog"
	"time"
)

// Event is one progress observation delivered to a subscriber.
type Event struct {
	TaskID   string
	State    State
	Progress float64
	Message  string
	Result   string
	Error    string

	// Terminal marks the final event of a subscription.
	Terminal bool
}

// Config holds coordinator settings.
type Config struct {
	// PollInterval is how often subscriptions poll the store.
	PollInterval time.Duration

	// Grace is how long terminal records are retained before the
	// reaper reclaims them.
	Grace time.Duration

	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration

	Logger *slog.Logger
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Grace <= 0 {
		c.Grace = time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
}

// Coordinator creates tasks, records their progress and serves
// subscriptions.
type Coordinator struct {
	store  *Store
	cfg    Config
	logger *slog.Logger
}

// NewCoordinator creates a coordinator over an opened store.
func NewCoordinator(store *Store, cfg Config) *Coordinator {
	cfg.ApplyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{store: store, cfg: cfg, logger: logger}
}

// Run reaps expired terminal tasks until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.ReapTerminal(c.cfg.Grace)
			if err != nil {
				c.logger.Warn("task reaping failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Debug("reaped terminal tasks", "count", n)
			}
		}
	}
}

// Create registers a new task of the given kind.
func (c *Coordinator) Create(kind, payload string) (*Task, error) {
	return c.store.Create(kind, payload)
}

// Start transitions the task to RUNNING.
func (c *Coordinator) Start(id string) error { return c.store.Start(id) }

// UpdateProgress records monotonic progress while RUNNING.
func (c *Coordinator) UpdateProgress(id string, pct float64, message string) error {
	return c.store.UpdateProgress(id, pct, message)
}

// Complete marks the task COMPLETED with a result payload.
func (c *Coordinator) Complete(id, result string) error { return c.store.Complete(id, result) }

// Fail marks the task FAILED with an error message.
func (c *Coordinator) Fail(id, errMsg string) error { return c.store.Fail(id, errMsg) }

// Cancel cooperatively cancels the task.
func (c *Coordinator) Cancel(id string) error { return c.store.Cancel(id) }

// Get returns the task's current record.
func (c *Coordinator) Get(id string) (*Task, error) { return c.store.Get(id) }

// Subscribe returns an ordered stream of progress events for the task,
// ending with its terminal event, after which the channel is closed.
// Subscribing to an already-terminal task yields the terminal event
// immediately. The subscription ends early if ctx is canceled.
func (c *Coordinator) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	t, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	first := eventFrom(t)

	if first.Terminal {
		ch <- first
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)

		last := first
		if !deliver(ctx, ch, first) {
			return
		}

		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			t, err := c.store.Get(id)
			if err != nil {
				// Record reaped or store unavailable; nothing more
				// to deliver.
				return
			}
			ev := eventFrom(t)
			if ev.State == last.State && ev.Progress == last.Progress && ev.Message == last.Message {
				continue
			}
			last = ev
			if !deliver(ctx, ch, ev) {
				return
			}
			if ev.Terminal {
				return
			}
		}
	}()

	return ch, nil
}

func deliver(ctx context.Context, ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func eventFrom(t *Task) Event {
	return Event{
		TaskID:   t.ID,
		State:    t.State,
		Progress: t.Progress,
		Message:  t.Message,
		Result:   t.Result,
		Error:    t.Error,
		Terminal: t.State.Terminal(),
	}
}
