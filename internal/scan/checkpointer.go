package scan

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/depthscan/internal/timeutil"
)

// Checkpointer periodically writes the active session to durable storage so
// a scan survives app suspension. Write failures are logged and retried on
// the next tick; they never interrupt the active scan. A warning flag is
// raised once checkpointing has failed continuously for longer than the
// configured silent window.
type Checkpointer struct {
	session  *ScanSession
	store    CheckpointStore
	interval time.Duration
	maxQuiet time.Duration
	clock    timeutil.Clock
	logger   *log.Logger

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	lastSuccess   time.Time
	firstFailure  time.Time
	failing       bool
	staleWarning  bool
	checkpointCnt int64
}

// CheckpointerConfig configures a Checkpointer.
type CheckpointerConfig struct {
	Session *ScanSession
	Store   CheckpointStore
	// Interval between checkpoints (e.g. 30s).
	Interval time.Duration
	// MaxQuiet is how long failures stay silent before a warning.
	MaxQuiet time.Duration
	// Clock is optional; defaults to the real clock.
	Clock timeutil.Clock
	// Logger is optional; defaults to log.Default().
	Logger *log.Logger
}

// NewCheckpointer creates a Checkpointer.
func NewCheckpointer(cfg CheckpointerConfig) *Checkpointer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Checkpointer{
		session:  cfg.Session,
		store:    cfg.Store,
		interval: cfg.Interval,
		maxQuiet: cfg.MaxQuiet,
		clock:    clock,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run starts the checkpoint loop. It blocks until the context is cancelled
// or Stop is called, writing a final checkpoint on the way out.
func (c *Checkpointer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	defer func() {
		close(c.doneCh)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if c.interval <= 0 {
		c.logger.Printf("Checkpointer: interval is zero or negative, not starting")
		return nil
	}

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Printf("Checkpointer started: session=%s interval=%v", c.session.ID(), c.interval)

	for {
		select {
		case <-ctx.Done():
			c.checkpointFinal()
			return nil
		case <-c.stopCh:
			c.checkpointFinal()
			return nil
		case <-ticker.C():
			c.checkpoint()
		}
	}
}

// Stop requests the checkpointer to stop and waits for the final write. Safe
// to call multiple times.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.mu.Unlock()
	<-c.doneCh
}

// IsRunning reports whether the loop is active.
func (c *Checkpointer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StaleWarning reports whether checkpointing has failed for longer than the
// silent window.
func (c *Checkpointer) StaleWarning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleWarning
}

// Checkpoints returns the number of successful checkpoint writes.
func (c *Checkpointer) Checkpoints() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointCnt
}

func (c *Checkpointer) checkpoint() {
	if c.session == nil || c.store == nil {
		return
	}
	// Only an in-progress session is worth checkpointing.
	switch c.session.State() {
	case StateScanning, StatePaused:
	default:
		return
	}

	err := WriteCheckpoint(c.store, c.session)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Printf("Checkpointer: write failed, retrying next tick: %v", err)
		if !c.failing {
			c.failing = true
			c.firstFailure = now
		}
		if c.maxQuiet > 0 && now.Sub(c.firstFailure) > c.maxQuiet {
			c.staleWarning = true
		}
		return
	}
	c.failing = false
	c.staleWarning = false
	c.lastSuccess = now
	c.checkpointCnt++
}

func (c *Checkpointer) checkpointFinal() {
	if c.session == nil || c.store == nil {
		return
	}
	switch c.session.State() {
	case StateScanning, StatePaused:
	default:
		return
	}
	if err := WriteCheckpoint(c.store, c.session); err != nil {
		c.logger.Printf("Checkpointer: error during final checkpoint: %v", err)
	} else {
		c.logger.Printf("Checkpointer: final checkpoint written for session=%s", c.session.ID())
	}
}
