package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veterun/RENDLER/internal/allocator"
	"github.com/Veterun/RENDLER/internal/ledger"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultIDWidth         = 5
	DefaultGraphPath       = "result.dot"
)

// Config parameterizes a Controller.
type Config struct {
	// RunID identifies the run in progress events; a v7 UUID is minted when empty.
	RunID   uuid.UUID
	SeedURL string
	// MaxRenderTasks caps render enqueues for the run; 0 means unlimited.
	MaxRenderTasks int
	MaxAttempts    int
	IDWidth        int
	TaskCost       rendler.Resources
	Priority       allocator.Priority
	// ShutdownTimeout bounds how long Shutdown waits for running tasks.
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	// GraphPath is the object path the DOT export is written to.
	GraphPath string
}

func (c Config) withDefaults() (Config, error) {
	c.SeedURL = strings.TrimSpace(c.SeedURL)
	if c.SeedURL == "" {
		return c, errors.New("seed url is required")
	}
	if c.MaxRenderTasks < 0 {
		return c, fmt.Errorf("max render tasks must be >= 0, got %d", c.MaxRenderTasks)
	}
	if c.RunID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return c, fmt.Errorf("mint run id: %w", err)
		}
		c.RunID = id
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = ledger.DefaultMaxAttempts
	}
	if c.IDWidth <= 0 {
		c.IDWidth = DefaultIDWidth
	}
	if c.TaskCost == (rendler.Resources{}) {
		c.TaskCost = rendler.Resources{CPU: allocator.DefaultTaskCPU, Mem: allocator.DefaultTaskMem}
	}
	if c.Priority == "" {
		c.Priority = allocator.RenderFirst
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.GraphPath == "" {
		c.GraphPath = DefaultGraphPath
	}
	return c, nil
}
