package mesos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// fakeAgent serves the executor API. SUBSCRIBE streams events; UPDATE and MESSAGE calls
// are recorded.
type fakeAgent struct {
	t      *testing.T
	events chan json.RawMessage

	mu    sync.Mutex
	calls []executorCall
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	t.Helper()
	a := &fakeAgent{t: t, events: make(chan json.RawMessage, 8)}
	srv := httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *fakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	var c executorCall
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if c.Type != "SUBSCRIBE" {
		a.mu.Lock()
		a.calls = append(a.calls, c)
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	flusher := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-a.events:
			if err := WriteFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *fakeAgent) recorded() []executorCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]executorCall(nil), a.calls...)
}

func (a *fakeAgent) states() []string {
	var out []string
	for _, c := range a.recorded() {
		if c.Type == "UPDATE" {
			out = append(out, c.Update.Status.TaskID.Value+" "+c.Update.Status.State)
		}
	}
	return out
}

func executorEnv(endpoint, executorID string) func(string) string {
	env := map[string]string{
		EnvAgentEndpoint: strings.TrimPrefix(endpoint, "http://"),
		EnvFrameworkID:   "fw-1",
		EnvExecutorID:    executorID,
	}
	return func(k string) string { return env[k] }
}

func TestExecutorDriverRunsLaunchedTasks(t *testing.T) {
	t.Parallel()

	agent, srv := newFakeAgent(t)
	runner := executor.RunnerFunc(func(_ context.Context, task rendler.Task) (rendler.Completion, error) {
		if task.URL == "https://broken" {
			return nil, errors.New("connection refused")
		}
		return rendler.CrawlResult{TaskID: task.ID, URL: task.URL, Links: []string{"https://b"}}, nil
	})
	host, err := executor.NewHost(rendler.KindCrawl, runner, executor.Config{}, zap.NewNop())
	require.NoError(t, err)

	cfg, err := ExecutorConfigFromEnv(executorEnv(srv.URL, rendler.CrawlExecutorID))
	require.NoError(t, err)
	d, err := NewExecutorDriver(cfg, host, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	agent.events <- json.RawMessage(`{"type":"SUBSCRIBED","subscribed":{"agent_info":{"hostname":"agent1"}}}`)
	agent.events <- json.RawMessage(`{"type":"LAUNCH","launch":{"task":{"name":"crawl 00001",
		"task_id":{"value":"00001"},"agent_id":{"value":"a1"},"resources":[],"data":"aHR0cHM6Ly9h"}}}`)
	require.Eventually(t, func() bool { return len(agent.states()) == 2 }, 2*time.Second, 10*time.Millisecond)

	agent.events <- json.RawMessage(`{"type":"LAUNCH","launch":{"task":{"name":"crawl 00002",
		"task_id":{"value":"00002"},"agent_id":{"value":"a1"},"resources":[],
		"data":"aHR0cHM6Ly9icm9rZW4="}}}`)
	require.Eventually(t, func() bool { return len(agent.states()) == 4 }, 2*time.Second, 10*time.Millisecond)

	agent.events <- json.RawMessage(`{"type":"SHUTDOWN"}`)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor driver did not stop")
	}

	require.Equal(t, []string{
		"00001 TASK_RUNNING", "00001 TASK_FINISHED",
		"00002 TASK_RUNNING", "00002 TASK_FAILED",
	}, agent.states())

	var messages []executorCall
	for _, c := range agent.recorded() {
		require.Equal(t, "fw-1", c.FrameworkID.Value)
		require.Equal(t, rendler.CrawlExecutorID, c.ExecutorID.Value)
		switch c.Type {
		case "MESSAGE":
			messages = append(messages, c)
		case "UPDATE":
			require.Equal(t, "SOURCE_EXECUTOR", c.Update.Status.Source)
			require.Len(t, c.Update.Status.UUID, 16)
		}
	}
	require.Len(t, messages, 1)
	completion, err := rendler.DecodeCompletion(rendler.CrawlExecutorID, messages[0].Message.Data)
	require.NoError(t, err)
	require.Equal(t, rendler.CrawlResult{TaskID: "00001", URL: "https://a", Links: []string{"https://b"}}, completion)
}

func TestExecutorDriverAgentError(t *testing.T) {
	t.Parallel()

	agent, srv := newFakeAgent(t)
	host, err := executor.NewHost(rendler.KindRender, executor.RunnerFunc(
		func(context.Context, rendler.Task) (rendler.Completion, error) { return nil, nil },
	), executor.Config{}, zap.NewNop())
	require.NoError(t, err)
	cfg, err := ExecutorConfigFromEnv(executorEnv(srv.URL, rendler.RenderExecutorID))
	require.NoError(t, err)
	d, err := NewExecutorDriver(cfg, host, nil)
	require.NoError(t, err)

	agent.events <- json.RawMessage(`{"type":"ERROR","error":{"message":"executor unknown"}}`)
	err = d.Run(context.Background())
	require.ErrorContains(t, err, "agent error: executor unknown")
}

func TestExecutorConfigFromEnv(t *testing.T) {
	t.Parallel()

	_, err := ExecutorConfigFromEnv(func(string) string { return "" })
	require.ErrorContains(t, err, EnvAgentEndpoint)
	require.ErrorContains(t, err, EnvExecutorID)

	cfg, err := ExecutorConfigFromEnv(executorEnv("http://agent:5051", rendler.RenderExecutorID))
	require.NoError(t, err)
	require.Equal(t, ExecutorConfig{
		AgentEndpoint: "agent:5051",
		FrameworkID:   "fw-1",
		ExecutorID:    rendler.RenderExecutorID,
	}, cfg)
}

func TestNewExecutorDriverKindMismatch(t *testing.T) {
	t.Parallel()

	host, err := executor.NewHost(rendler.KindCrawl, executor.RunnerFunc(
		func(context.Context, rendler.Task) (rendler.Completion, error) { return nil, nil },
	), executor.Config{}, nil)
	require.NoError(t, err)

	_, err = NewExecutorDriver(ExecutorConfig{AgentEndpoint: "agent:5051", ExecutorID: rendler.RenderExecutorID}, host, nil)
	require.ErrorContains(t, err, "cannot run crawl tasks")

	_, err = NewExecutorDriver(ExecutorConfig{AgentEndpoint: "agent:5051", ExecutorID: "other"}, host, nil)
	require.ErrorIs(t, err, rendler.ErrUnknownExecutor)
}
