// ABOUTME: Admits provisioning runs under a concurrency limit and records them.
// ABOUTME: Every event is redacted before it is written to the run history.
package daemon

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/clawup/clawup/internal/db"
	"github.com/clawup/clawup/internal/models"
	"github.com/clawup/clawup/internal/progress"
	"github.com/clawup/clawup/internal/provision"
)

var (
	// ErrBusy is returned by Start when every run slot is taken.
	ErrBusy = errors.New("provisioning capacity exhausted; retry later")
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)

const defaultMaxConcurrentRuns = 4

// RunManager starts provisioning runs and keeps their history.
type RunManager struct {
	store   *db.Store
	orch    *provision.Orchestrator
	sem     *semaphore.Weighted
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
	newID   func() (string, error)

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewRunManager returns a manager running at most maxConcurrent runs at once.
// store may be nil, in which case no history is kept.
func NewRunManager(store *db.Store, orch *provision.Orchestrator, maxConcurrent int, metrics *Metrics, logger *log.Logger) *RunManager {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentRuns
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RunManager{
		store:   store,
		orch:    orch,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		newID:   newRunID,
		baseCtx: context.Background(),
	}
}

// WithContext sets the context runs execute under. Runs do not stop when the
// requesting client disconnects; they stop when this context is canceled.
func (m *RunManager) WithContext(ctx context.Context) *RunManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCtx = ctx
	return m
}

// Wait blocks until every started run has finished.
func (m *RunManager) Wait() {
	m.wg.Wait()
}

// ActiveRun is an admitted run that holds a slot until Execute returns.
type ActiveRun struct {
	ID      string
	m       *RunManager
	req     models.ProvisioningRequest
	started time.Time
	once    sync.Once
}

// Start admits req and records it as RUNNING. It returns ErrBusy when the
// concurrency limit is reached. The caller must call Execute on the result.
func (m *RunManager) Start(ctx context.Context, req models.ProvisioningRequest) (*ActiveRun, error) {
	if m.orch == nil {
		return nil, errors.New("provisioning unavailable: orchestrator not configured")
	}
	req.Normalize()
	if !m.sem.TryAcquire(1) {
		m.metrics.IncRunRejected()
		return nil, ErrBusy
	}
	id, err := m.newID()
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	started := m.now().UTC()
	if m.store != nil {
		err := m.store.CreateRun(ctx, models.Run{
			ID:          id,
			Host:        req.Host,
			Port:        req.Port,
			Username:    req.Username,
			Environment: req.Environment,
			Provider:    req.AIProvider,
			Status:      models.RunRunning,
			CreatedAt:   started,
			UpdatedAt:   started,
		})
		if err != nil {
			m.sem.Release(1)
			return nil, err
		}
	}
	m.wg.Add(1)
	m.metrics.RunStarted()
	m.logger.Printf("clawupd: run %s started for %s@%s:%d", id, req.Username, req.Host, req.Port)
	return &ActiveRun{ID: id, m: m, req: req, started: started}, nil
}

// Execute runs the provisioning flow, delivering events to sink. A sink error
// detaches the client; the run continues and its history is still recorded.
// Execute may be called once; later calls return a zero Outcome.
func (a *ActiveRun) Execute(sink progress.Sink) provision.Outcome {
	var out provision.Outcome
	a.once.Do(func() {
		out = a.execute(sink)
	})
	return out
}

func (a *ActiveRun) execute(sink progress.Sink) provision.Outcome {
	m := a.m
	defer m.wg.Done()
	defer m.sem.Release(1)
	defer m.metrics.RunEnded()

	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()

	redactor := NewRedactor(nil)
	redactor.AddValues(a.req.Secrets()...)

	recorder := &eventRecorder{runID: a.ID, store: m.store, redactor: redactor, logger: m.logger}
	client := &clientSink{runID: a.ID, sink: sink, logger: m.logger}
	stream := progress.NewStream(progress.Tee(recorder, client))

	orch := *m.orch
	if orch.Observer == nil && m.metrics != nil {
		orch.Observer = m.metrics
	}
	base := m.orch.Logger
	if base == nil {
		base = m.logger
	}
	orch.Logger = log.New(redactor.Writer(base.Writer()), base.Prefix(), base.Flags())

	out := orch.Run(ctx, a.req, stream)
	a.finish(ctx, out, redactor)
	return out
}

func (a *ActiveRun) finish(ctx context.Context, out provision.Outcome, redactor *Redactor) {
	m := a.m
	status := models.RunFailed
	if out.Success {
		status = models.RunSucceeded
	}
	finished := m.now().UTC()
	m.metrics.ObserveRun(status, finished.Sub(a.started))

	res := db.RunResult{Status: status, FinishedAt: finished}
	if out.Success && out.Token != "" {
		redactor.AddValues(out.Token)
		sum := sha256.Sum256([]byte(out.Token))
		res.TokenHash = hex.EncodeToString(sum[:])
	}
	res.AccessURL = redactor.Redact(out.URL)
	if out.Err != nil {
		res.Error = redactor.Redact(out.Err.Error())
	}
	if len(out.Warnings) > 0 {
		if data, err := json.Marshal(out.Warnings); err == nil {
			res.WarningsJSON = redactor.Redact(string(data))
		}
	}
	if m.store != nil {
		// The run is over even if the daemon is shutting down; record it.
		if err := m.store.FinishRun(context.WithoutCancel(ctx), a.ID, res); err != nil {
			m.logger.Printf("clawupd: run %s: record result: %v", a.ID, err)
		}
	}
	if out.Success {
		m.logger.Printf("clawupd: run %s succeeded (%d warning(s))", a.ID, len(out.Warnings))
		return
	}
	m.logger.Printf("clawupd: run %s failed: %s", a.ID, res.Error)
}

// eventRecorder persists redacted events. It never fails the stream.
type eventRecorder struct {
	runID    string
	store    *db.Store
	redactor *Redactor
	logger   *log.Logger
}

func (r *eventRecorder) Send(ev progress.Event) error {
	if token, ok := ev.Extras["token"].(string); ok {
		r.redactor.AddValues(token)
	}
	if r.store == nil {
		return nil
	}
	extras := ""
	if len(ev.Extras) > 0 {
		data, err := json.Marshal(ev.Extras)
		if err != nil {
			r.logger.Printf("clawupd: run %s: encode event extras: %v", r.runID, err)
		} else {
			extras = r.redactor.Redact(string(data))
		}
	}
	if _, err := r.store.RecordEvent(context.Background(), r.runID, ev.Percentage, r.redactor.Redact(ev.Message), extras); err != nil {
		r.logger.Printf("clawupd: run %s: record event: %v", r.runID, err)
	}
	return nil
}

// clientSink forwards events to the requesting client until it goes away.
type clientSink struct {
	runID  string
	sink   progress.Sink
	gone   bool
	logger *log.Logger
}

func (c *clientSink) Send(ev progress.Event) error {
	if c.sink == nil || c.gone {
		return nil
	}
	if err := c.sink.Send(ev); err != nil {
		c.gone = true
		c.logger.Printf("clawupd: run %s: client detached: %v", c.runID, err)
	}
	return nil
}

func newRunID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "run_" + hex.EncodeToString(buf), nil
}
