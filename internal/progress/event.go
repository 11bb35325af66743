package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"

	StageTaskLaunched Stage = "TASK_LAUNCHED"
	StageTaskFinished Stage = "TASK_FINISHED"
	StageTaskRetried  Stage = "TASK_RETRIED"
	StageTaskFailed   Stage = "TASK_FAILED"

	StageCrawlResult  Stage = "CRAWL_RESULT"
	StageRenderResult Stage = "RENDER_RESULT"
)

// IsTask reports whether the stage describes a single task's lifecycle.
func (s Stage) IsTask() bool {
	switch s {
	case StageTaskLaunched, StageTaskFinished, StageTaskRetried, StageTaskFailed:
		return true
	default:
		return false
	}
}

// Event captures one scheduler milestone.
type Event struct {
	// RunID identifies the scheduler run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage

	TaskID  string
	Kind    rendler.TaskKind
	Attempt int
	NodeID  string
	// URL is the task URL, the crawled source page, or the seed for run events.
	URL string
	// Links holds targets of newly recorded edges for crawl results.
	Links []string
	// Image is the stored image reference for render results.
	Image string
	// Dur is the run wall time on run completion.
	Dur time.Duration
	// Note carries low-volume context such as the failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch {
	case e.Stage == StageRunStart, e.Stage == StageRunDone, e.Stage == StageRunError:
	case e.Stage.IsTask():
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Stage)
		}
		if !e.Kind.Valid() {
			return fmt.Errorf("%s requires a valid kind", e.Stage)
		}
	case e.Stage == StageCrawlResult:
		if e.URL == "" {
			return errors.New("crawl result requires url")
		}
	case e.Stage == StageRenderResult:
		if e.URL == "" || e.Image == "" {
			return errors.New("render result requires url and image")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
