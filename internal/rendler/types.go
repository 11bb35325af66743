package rendler

import "fmt"

// TaskKind identifies which pipeline stage a task belongs to.
type TaskKind string

// Supported task kinds.
const (
	KindCrawl  TaskKind = "crawl"
	KindRender TaskKind = "render"
)

// Valid reports whether k is a known kind.
func (k TaskKind) Valid() bool {
	return k == KindCrawl || k == KindRender
}

// ExecutorID returns the executor identity that runs tasks of this kind.
func (k TaskKind) ExecutorID() string {
	switch k {
	case KindCrawl:
		return CrawlExecutorID
	case KindRender:
		return RenderExecutorID
	default:
		return ""
	}
}

// Executor identities used to tag completion messages.
const (
	CrawlExecutorID  = "crawl-executor"
	RenderExecutorID = "render-executor"
)

// KindForExecutor maps an executor identity back to the task kind it serves.
func KindForExecutor(executorID string) (TaskKind, error) {
	switch executorID {
	case CrawlExecutorID:
		return KindCrawl, nil
	case RenderExecutorID:
		return KindRender, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExecutor, executorID)
	}
}

// Task is one unit of dispatched work bound to a node through an offer.
type Task struct {
	ID      string   `json:"id"`
	Kind    TaskKind `json:"kind"`
	URL     string   `json:"url"`
	Attempt int      `json:"attempt"`
}

// Resources is a CPU/memory pair. Mem is expressed in megabytes.
type Resources struct {
	CPU float64 `json:"cpu"`
	Mem float64 `json:"mem"`
}

// Offer is a cluster manager's time-boxed grant of resources on one node.
type Offer struct {
	ID       string
	NodeID   string
	Hostname string
	Resources
}

// LaunchDirective binds a task to the offer it consumes.
type LaunchDirective struct {
	Task    Task
	OfferID string
	NodeID  string
	Cost    Resources
}

// TaskState is the lifecycle state reported by the cluster manager.
type TaskState string

// Task states delivered in status updates.
const (
	TaskStaging  TaskState = "TASK_STAGING"
	TaskStarting TaskState = "TASK_STARTING"
	TaskRunning  TaskState = "TASK_RUNNING"
	TaskFinished TaskState = "TASK_FINISHED"
	TaskFailed   TaskState = "TASK_FAILED"
	TaskKilled   TaskState = "TASK_KILLED"
	TaskLost     TaskState = "TASK_LOST"
	TaskError    TaskState = "TASK_ERROR"
)

// Terminal reports whether no further updates are expected for the task.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost, TaskError:
		return true
	default:
		return false
	}
}

// Failed reports whether the state is a terminal failure that should go through retry.
func (s TaskState) Failed() bool {
	return s.Terminal() && s != TaskFinished
}

// StatusUpdate reports a change in a task's lifecycle state.
type StatusUpdate struct {
	TaskID  string
	State   TaskState
	NodeID  string
	Message string
}

// MasterInfo describes the cluster manager the scheduler registered with.
type MasterInfo struct {
	ID       string
	Hostname string
	Port     int
}

// Edge is a discovered link from one page to another.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
