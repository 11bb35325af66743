package mesos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// Environment variables the agent sets for every executor it launches.
const (
	EnvAgentEndpoint = "MESOS_AGENT_ENDPOINT"
	EnvFrameworkID   = "MESOS_FRAMEWORK_ID"
	EnvExecutorID    = "MESOS_EXECUTOR_ID"
)

// ExecutorConfig identifies the executor to its agent.
type ExecutorConfig struct {
	AgentEndpoint string
	FrameworkID   string
	ExecutorID    string
	HTTPClient    *http.Client
}

// ExecutorConfigFromEnv reads the agent-provided environment through getenv.
func ExecutorConfigFromEnv(getenv func(string) string) (ExecutorConfig, error) {
	cfg := ExecutorConfig{
		AgentEndpoint: getenv(EnvAgentEndpoint),
		FrameworkID:   getenv(EnvFrameworkID),
		ExecutorID:    getenv(EnvExecutorID),
	}
	var missing []string
	for name, v := range map[string]string{
		EnvAgentEndpoint: cfg.AgentEndpoint,
		EnvFrameworkID:   cfg.FrameworkID,
		EnvExecutorID:    cfg.ExecutorID,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return ExecutorConfig{}, fmt.Errorf("missing executor environment: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

// TaskHost runs launched tasks and reports through an executor.Reporter.
type TaskHost interface {
	Kind() rendler.TaskKind
	Launch(ctx context.Context, task rendler.Task) error
	Run(ctx context.Context, reporter executor.Reporter) error
	Close()
}

// ExecutorDriver subscribes an executor to its agent, feeds LAUNCH events to a TaskHost
// and relays the host's status updates and completion messages.
type ExecutorDriver struct {
	cfg      ExecutorConfig
	host     TaskHost
	client   *http.Client
	endpoint string
	logger   *zap.Logger
}

var _ executor.Reporter = (*ExecutorDriver)(nil)

// NewExecutorDriver checks that the executor id matches the host's task kind.
func NewExecutorDriver(cfg ExecutorConfig, host TaskHost, logger *zap.Logger) (*ExecutorDriver, error) {
	if host == nil {
		return nil, errors.New("task host is required")
	}
	kind, err := rendler.KindForExecutor(cfg.ExecutorID)
	if err != nil {
		return nil, err
	}
	if kind != host.Kind() {
		return nil, fmt.Errorf("executor %s cannot run %s tasks", cfg.ExecutorID, host.Kind())
	}
	endpoint, err := masterEndpoint(cfg.AgentEndpoint)
	if err != nil {
		return nil, fmt.Errorf("agent endpoint: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutorDriver{
		cfg:      cfg,
		host:     host,
		client:   client,
		endpoint: endpoint,
		logger:   logger.With(zap.String("executor_id", cfg.ExecutorID)),
	}, nil
}

// Run serves the agent's event stream until SHUTDOWN, a stream failure or the end of ctx.
// Tasks already queued on the host finish before Run returns.
func (d *ExecutorDriver) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.host.Run(gctx, d)
	})
	g.Go(func() error {
		defer d.host.Close()
		return d.stream(gctx)
	})
	return g.Wait()
}

func (d *ExecutorDriver) stream(ctx context.Context) error {
	resp, err := d.post(ctx, executorCall{
		Type:      "SUBSCRIBE",
		Subscribe: &executorSubscribe{},
	}, http.StatusOK)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer resp.Body.Close()

	reader := NewReader(resp.Body)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent stream: %w", err)
		}
		var ev executorEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			d.logger.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		done, err := d.handle(ctx, ev)
		if err != nil || done {
			return err
		}
	}
}

func (d *ExecutorDriver) handle(ctx context.Context, ev executorEvent) (bool, error) {
	switch ev.Type {
	case "SUBSCRIBED":
		d.logger.Info("executor subscribed")
	case "LAUNCH":
		if ev.Launch == nil {
			return false, nil
		}
		task := rendler.Task{
			ID:   ev.Launch.Task.TaskID.Value,
			Kind: d.host.Kind(),
			URL:  string(ev.Launch.Task.Data),
		}
		if err := d.host.Launch(ctx, task); err != nil {
			d.logger.Warn("launch rejected", zap.String("task_id", task.ID), zap.Error(err))
			if err := d.Update(ctx, task.ID, rendler.TaskFailed, err.Error()); err != nil {
				d.logger.Warn("status update failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
	case "KILL":
		if ev.Kill != nil {
			d.logger.Info("kill requested, task runs to completion", zap.String("task_id", ev.Kill.TaskID.Value))
		}
	case "ACKNOWLEDGED":
		if ev.Acknowledged != nil {
			d.logger.Debug("update acknowledged", zap.String("task_id", ev.Acknowledged.TaskID.Value))
		}
	case "SHUTDOWN":
		d.logger.Info("shutdown requested")
		return true, nil
	case "ERROR":
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return true, fmt.Errorf("agent error: %s", msg)
	default:
		d.logger.Debug("ignoring event", zap.String("type", ev.Type))
	}
	return false, nil
}

// Update sends a task status update to the agent.
func (d *ExecutorDriver) Update(ctx context.Context, taskID string, state rendler.TaskState, msg string) error {
	id := uuid.New()
	resp, err := d.post(ctx, executorCall{
		Type: "UPDATE",
		Update: &statusUpdate{Status: taskStatus{
			TaskID:     value{Value: taskID},
			State:      string(state),
			Message:    msg,
			Source:     "SOURCE_EXECUTOR",
			ExecutorID: &value{Value: d.cfg.ExecutorID},
			UUID:       id[:],
		}},
	}, http.StatusAccepted)
	if err != nil {
		return fmt.Errorf("update %s: %w", taskID, err)
	}
	resp.Body.Close()
	return nil
}

// Message sends a framework message to the scheduler.
func (d *ExecutorDriver) Message(ctx context.Context, data []byte) error {
	resp, err := d.post(ctx, executorCall{
		Type:    "MESSAGE",
		Message: &executorMessage{Data: data},
	}, http.StatusAccepted)
	if err != nil {
		return fmt.Errorf("message: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (d *ExecutorDriver) post(ctx context.Context, c executorCall, want int) (*http.Response, error) {
	c.FrameworkID = value{Value: d.cfg.FrameworkID}
	c.ExecutorID = value{Value: d.cfg.ExecutorID}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", c.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+executorPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	if want != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp, nil
}
