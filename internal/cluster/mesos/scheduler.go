// Package mesos connects the scheduler and the executors to a Mesos master through the
// v1 HTTP APIs. Events arrive on a long-lived RecordIO stream and calls are plain JSON
// POSTs tagged with the stream id.
package mesos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/rendler"
)

const (
	schedulerPath  = "/api/v1/scheduler"
	executorPath   = "/api/v1/executor"
	streamIDHeader = "Mesos-Stream-Id"

	defaultHeartbeat = 15 * time.Second
	missedHeartbeats = 5
	callTimeout      = 10 * time.Second
	maxRedirects     = 3
)

// ErrNotSubscribed is returned for calls made before the master accepted the subscription.
var ErrNotSubscribed = errors.New("scheduler is not subscribed")

// ExecutorSpec is the command an agent runs to start one executor kind.
type ExecutorSpec struct {
	Command string
	URIs    []string
}

// Config configures a scheduler Driver.
type Config struct {
	// Master is host:port or an http(s) URL of any master. Redirects to the leader are
	// followed on subscribe.
	Master          string
	Name            string
	User            string
	Role            string
	Hostname        string
	FailoverTimeout time.Duration
	RefuseSeconds   float64
	Executors       map[rendler.TaskKind]ExecutorSpec
	HTTPClient      *http.Client
}

// Driver implements rendler.Driver against a Mesos master.
type Driver struct {
	cfg    Config
	sched  rendler.Scheduler
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	endpoint    string
	streamID    string
	frameworkID string
	status      rendler.DriverStatus
	cancel      context.CancelFunc
	running     bool
}

var _ rendler.Driver = (*Driver)(nil)

// NewDriver validates cfg and returns a Driver that reports to sched.
func NewDriver(cfg Config, sched rendler.Scheduler, logger *zap.Logger) (*Driver, error) {
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	endpoint, err := masterEndpoint(cfg.Master)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("framework name is required")
	}
	for _, kind := range []rendler.TaskKind{rendler.KindCrawl, rendler.KindRender} {
		if strings.TrimSpace(cfg.Executors[kind].Command) == "" {
			return nil, fmt.Errorf("%s executor command is required", kind)
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	// Redirects are resolved by hand so later calls go to the leader too.
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:      cfg,
		sched:    sched,
		client:   &noRedirect,
		logger:   logger,
		endpoint: endpoint,
	}, nil
}

func masterEndpoint(master string) (string, error) {
	master = strings.TrimSpace(master)
	if master == "" {
		return "", errors.New("master address is required")
	}
	if !strings.Contains(master, "://") {
		master = "http://" + master
	}
	u, err := url.Parse(master)
	if err != nil {
		return "", fmt.Errorf("parse master address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported master scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("master address %q has no host", master)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Run subscribes to the master and dispatches events to the scheduler until Stop, Abort,
// a broken stream or the end of ctx.
func (d *Driver) Run(ctx context.Context) (rendler.DriverStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return "", errors.New("driver already running")
	}
	d.running = true
	d.cancel = cancel
	status := d.status
	d.mu.Unlock()
	if status != "" {
		return status, nil
	}

	resp, err := d.subscribe(runCtx)
	if err != nil {
		if status := d.finalStatus(); status != "" {
			return status, nil
		}
		return rendler.DriverAborted, err
	}
	defer resp.Body.Close()

	err = d.stream(runCtx, cancel, resp.Body)
	if status := d.finalStatus(); status != "" {
		return status, nil
	}
	if ctx.Err() != nil {
		return rendler.DriverAborted, ctx.Err()
	}
	d.logger.Warn("event stream ended", zap.Error(err))
	d.sched.Disconnected(context.WithoutCancel(ctx), d)
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return rendler.DriverAborted, fmt.Errorf("event stream: %w", err)
}

func (d *Driver) finalStatus() rendler.DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Driver) subscribe(ctx context.Context) (*http.Response, error) {
	d.mu.Lock()
	info := frameworkInfo{
		User:            d.cfg.User,
		Name:            d.cfg.Name,
		Hostname:        d.cfg.Hostname,
		FailoverTimeout: d.cfg.FailoverTimeout.Seconds(),
	}
	if d.cfg.Role != "" {
		info.Roles = []string{d.cfg.Role}
		info.Capabilities = []capability{{Type: "MULTI_ROLE"}}
	}
	c := call{Type: "SUBSCRIBE", Subscribe: &subscribeCall{FrameworkInfo: info}}
	if d.frameworkID != "" {
		c.FrameworkID = &value{Value: d.frameworkID}
		c.Subscribe.FrameworkInfo.ID = &value{Value: d.frameworkID}
	}
	d.mu.Unlock()

	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe: %w", err)
	}
	for range maxRedirects {
		d.mu.Lock()
		endpoint := d.endpoint
		d.mu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+schedulerPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build subscribe request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		switch resp.StatusCode {
		case http.StatusOK:
			d.mu.Lock()
			d.streamID = resp.Header.Get(streamIDHeader)
			d.mu.Unlock()
			d.logger.Info("subscribed to master", zap.String("endpoint", endpoint))
			return resp, nil
		case http.StatusTemporaryRedirect:
			location := resp.Header.Get("Location")
			resp.Body.Close()
			leader, err := resolveLeader(endpoint, location)
			if err != nil {
				return nil, err
			}
			d.logger.Info("redirected to leading master", zap.String("endpoint", leader))
			d.mu.Lock()
			d.endpoint = leader
			d.mu.Unlock()
		default:
			defer resp.Body.Close()
			return nil, fmt.Errorf("subscribe: %w", statusError(resp))
		}
	}
	return nil, fmt.Errorf("subscribe: more than %d redirects", maxRedirects)
}

func resolveLeader(endpoint, location string) (string, error) {
	if location == "" {
		return "", errors.New("subscribe: redirect without location")
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse redirect location: %w", err)
	}
	leader := base.ResolveReference(ref)
	return leader.Scheme + "://" + leader.Host, nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func (d *Driver) stream(ctx context.Context, cancel context.CancelFunc, body io.Reader) error {
	timeout := missedHeartbeats * defaultHeartbeat
	watchdog := time.AfterFunc(timeout, cancel)
	defer watchdog.Stop()

	reader := NewReader(body)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil && d.finalStatus() == "" {
				return fmt.Errorf("no heartbeat within %s: %w", timeout, ctx.Err())
			}
			return err
		}
		var ev event
		if err := json.Unmarshal(frame, &ev); err != nil {
			d.logger.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		if ev.Type == "SUBSCRIBED" && ev.Subscribed != nil && ev.Subscribed.HeartbeatIntervalSeconds > 0 {
			timeout = time.Duration(missedHeartbeats * ev.Subscribed.HeartbeatIntervalSeconds * float64(time.Second))
		}
		watchdog.Reset(timeout)
		d.dispatch(ctx, ev)
	}
}

func (d *Driver) dispatch(ctx context.Context, ev event) {
	switch ev.Type {
	case "SUBSCRIBED":
		if ev.Subscribed == nil {
			return
		}
		master := rendler.MasterInfo{}
		if mi := ev.Subscribed.MasterInfo; mi != nil {
			master = rendler.MasterInfo{ID: mi.ID, Hostname: mi.Hostname, Port: mi.Port}
		}
		d.mu.Lock()
		previous := d.frameworkID
		d.frameworkID = ev.Subscribed.FrameworkID.Value
		d.mu.Unlock()
		if previous != "" {
			d.sched.Reregistered(ctx, d, master)
			return
		}
		d.sched.Registered(ctx, d, ev.Subscribed.FrameworkID.Value, master)
	case "OFFERS":
		if ev.Offers == nil {
			return
		}
		offers := make([]rendler.Offer, 0, len(ev.Offers.Offers))
		for _, o := range ev.Offers.Offers {
			offers = append(offers, toOffer(o))
		}
		d.sched.ResourceOffers(ctx, d, offers)
	case "RESCIND":
		if ev.Rescind != nil {
			d.sched.OfferRescinded(ctx, d, ev.Rescind.OfferID.Value)
		}
	case "UPDATE":
		if ev.Update == nil {
			return
		}
		st := ev.Update.Status
		update := rendler.StatusUpdate{
			TaskID:  st.TaskID.Value,
			State:   rendler.TaskState(st.State),
			Message: st.Message,
		}
		if st.AgentID != nil {
			update.NodeID = st.AgentID.Value
		}
		d.sched.StatusUpdate(ctx, d, update)
		if len(st.UUID) > 0 && st.AgentID != nil {
			if err := d.acknowledge(ctx, st); err != nil {
				d.logger.Warn("acknowledge failed", zap.String("task_id", st.TaskID.Value), zap.Error(err))
			}
		}
	case "MESSAGE":
		if ev.Message != nil {
			d.sched.FrameworkMessage(ctx, d, ev.Message.ExecutorID.Value, ev.Message.AgentID.Value, ev.Message.Data)
		}
	case "FAILURE":
		if ev.Failure == nil {
			return
		}
		var agentID string
		if ev.Failure.AgentID != nil {
			agentID = ev.Failure.AgentID.Value
		}
		if ev.Failure.ExecutorID != nil {
			d.sched.ExecutorLost(ctx, d, ev.Failure.ExecutorID.Value, agentID, ev.Failure.Status)
			return
		}
		if agentID != "" {
			d.sched.NodeLost(ctx, d, agentID)
		}
	case "ERROR":
		if ev.Error != nil {
			d.sched.Error(ctx, d, ev.Error.Message)
		}
	case "HEARTBEAT":
	default:
		d.logger.Debug("ignoring event", zap.String("type", ev.Type))
	}
}

func toOffer(o offer) rendler.Offer {
	out := rendler.Offer{ID: o.ID.Value, NodeID: o.AgentID.Value, Hostname: o.Hostname}
	for _, r := range o.Resources {
		if r.Scalar == nil {
			continue
		}
		switch r.Name {
		case "cpus":
			out.CPU += r.Scalar.Value
		case "mem":
			out.Mem += r.Scalar.Value
		}
	}
	return out
}

// Launch accepts the offer with one LAUNCH operation carrying every task.
func (d *Driver) Launch(ctx context.Context, offerID string, tasks []rendler.LaunchDirective) error {
	infos := make([]taskInfo, 0, len(tasks))
	for _, t := range tasks {
		spec, ok := d.cfg.Executors[t.Task.Kind]
		if !ok {
			return fmt.Errorf("no executor for task kind %q", t.Task.Kind)
		}
		infos = append(infos, taskInfo{
			Name:    fmt.Sprintf("%s %s", t.Task.Kind, t.Task.ID),
			TaskID:  value{Value: t.Task.ID},
			AgentID: value{Value: t.NodeID},
			Resources: []resource{
				scalarResource("cpus", t.Cost.CPU),
				scalarResource("mem", t.Cost.Mem),
			},
			Executor: d.executorInfo(t.Task.Kind, spec),
			Data:     []byte(t.Task.URL),
		})
	}
	return d.send(ctx, call{
		Type: "ACCEPT",
		Accept: &acceptCall{
			OfferIDs:   []value{{Value: offerID}},
			Operations: []operation{{Type: "LAUNCH", Launch: &launchOperation{TaskInfos: infos}}},
			Filters:    d.filters(),
		},
	})
}

func (d *Driver) executorInfo(kind rendler.TaskKind, spec ExecutorSpec) *executorInfo {
	uris := make([]commandURI, 0, len(spec.URIs))
	for _, u := range spec.URIs {
		uris = append(uris, commandURI{Value: u, Extract: strings.HasSuffix(u, ".tar.gz") || strings.HasSuffix(u, ".tgz")})
	}
	return &executorInfo{
		ExecutorID: value{Value: kind.ExecutorID()},
		Name:       fmt.Sprintf("%s %s executor", d.cfg.Name, kind),
		Command:    commandInfo{Value: spec.Command, URIs: uris, Shell: true},
	}
}

func (d *Driver) filters() *filters {
	if d.cfg.RefuseSeconds <= 0 {
		return nil
	}
	return &filters{RefuseSeconds: d.cfg.RefuseSeconds}
}

// Decline hands the offer back to the master.
func (d *Driver) Decline(ctx context.Context, offerID string) error {
	return d.send(ctx, call{
		Type:    "DECLINE",
		Decline: &declineCall{OfferIDs: []value{{Value: offerID}}, Filters: d.filters()},
	})
}

func (d *Driver) acknowledge(ctx context.Context, st taskStatus) error {
	return d.send(ctx, call{
		Type: "ACKNOWLEDGE",
		Acknowledge: &acknowledgeCall{
			AgentID: *st.AgentID,
			TaskID:  st.TaskID,
			UUID:    st.UUID,
		},
	})
}

// Stop tears the framework down and makes Run return DriverStopped.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.status != "" {
		d.mu.Unlock()
		return
	}
	d.status = rendler.DriverStopped
	cancel := d.cancel
	d.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), callTimeout)
	defer done()
	if err := d.send(ctx, call{Type: "TEARDOWN"}); err != nil && !errors.Is(err, ErrNotSubscribed) {
		d.logger.Warn("teardown failed", zap.Error(err))
	}
	if cancel != nil {
		cancel()
	}
}

// Abort closes the event stream without unregistering. Run returns DriverAborted.
func (d *Driver) Abort() {
	d.mu.Lock()
	if d.status == "" {
		d.status = rendler.DriverAborted
	}
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// FrameworkID returns the id assigned by the master, empty before the first subscription.
func (d *Driver) FrameworkID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameworkID
}

func (d *Driver) send(ctx context.Context, c call) error {
	d.mu.Lock()
	endpoint, streamID, frameworkID := d.endpoint, d.streamID, d.frameworkID
	d.mu.Unlock()
	if streamID == "" || frameworkID == "" {
		return ErrNotSubscribed
	}
	c.FrameworkID = &value{Value: frameworkID}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", c.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+schedulerPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(streamIDHeader, streamID)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s call: %w", c.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s call: %w", c.Type, statusError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
