// ABOUTME: Drives one provisioning run over a single SSH session and reports progress.
// ABOUTME: Every run ends with a 100% event and closes its session exactly once.

// Package provision implements the remote provisioning orchestrator.
//
// A run moves through Connecting, LockWait, EngineCheck, EngineInstall,
// DirectoryPrep, ComposeWrite, ComposeUp, PostConfigure and ReadinessPoll.
// Connection, engine install and compose up failures are fatal; post-configure
// and readiness problems are recorded as warnings and the run still succeeds.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/clawup/clawup/internal/gatewaycfg"
	"github.com/clawup/clawup/internal/models"
	"github.com/clawup/clawup/internal/progress"
	"github.com/clawup/clawup/internal/remote"
	"github.com/clawup/clawup/internal/shell"
)

// Step names a provisioning phase.
type Step string

const (
	StepConnect       Step = "connect"
	StepLockWait      Step = "lock_wait"
	StepEngineCheck   Step = "engine_check"
	StepEngineInstall Step = "engine_install"
	StepDirectoryPrep Step = "directory_prep"
	StepComposeWrite  Step = "compose_write"
	StepComposeUp     Step = "compose_up"
	StepPostConfigure Step = "post_configure"
	StepReadiness     Step = "readiness"
)

// Progress percentages per phase.
const (
	pctConnect        = 5
	pctConnected      = 10
	pctLockWait       = 12
	pctEngineCheck    = 15
	pctEngineDecision = 20
	pctEngineInstall  = 25
	pctDirectories    = 40
	pctCompose        = 50
	pctComposeUp      = 60
	pctComposeOutput  = 70
	pctPostConfigure  = 95
	pctConfigSet      = 96
	pctRestart        = 97
	pctReadiness      = 98
)

const (
	runtimeUID       = 1000
	runtimeGID       = 1000
	diagnosticTail   = 20
	readinessTail    = 50
	tokenBytes       = 16
	composeFileMode  = "600"
	defaultLockTries = 5
	defaultReadyTry  = 15
	redactedSetting  = "[redacted]"
)

// Options holds the orchestrator's timing and deployment settings.
type Options struct {
	LockWaitAttempts  int
	LockWaitInterval  time.Duration
	SettleDelay       time.Duration
	ReadinessAttempts int
	ReadinessInterval time.Duration
	ReadinessMarker   string
	Image             string
	Port              int
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		LockWaitAttempts:  defaultLockTries,
		LockWaitInterval:  5 * time.Second,
		SettleDelay:       5 * time.Second,
		ReadinessAttempts: defaultReadyTry,
		ReadinessInterval: 2 * time.Second,
		ReadinessMarker:   "listening on",
		Image:             gatewaycfg.DefaultImage,
		Port:              gatewaycfg.DefaultPort,
	}
}

// AppliedSetting records which invocation set a key, if any.
type AppliedSetting struct {
	Key       string `json:"key"`
	Candidate string `json:"candidate,omitempty"`
	OK        bool   `json:"ok"`
}

// Outcome summarizes a finished run.
type Outcome struct {
	Success           bool
	URL               string
	Token             string
	Host              string
	Port              int
	Err               error
	Warnings          []Warning
	Applied           []AppliedSetting
	EngineInstalled   bool
	LockProbes        int
	ReadinessAttempts int
	Ready             bool
}

// Orchestrator runs provisioning requests. It holds no per-run state and may
// serve concurrent runs.
type Orchestrator struct {
	Connector Connector
	Options   Options
	Observer  Observer
	Logger    *log.Logger
	// Sleep waits between probes; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  io.Reader
}

// NewOrchestrator returns an orchestrator with production defaults.
func NewOrchestrator(connector Connector, opts Options, logger *log.Logger) *Orchestrator {
	return &Orchestrator{Connector: connector, Options: opts, Logger: logger}
}

// Run provisions the host described by req, emitting progress on stream.
//
// Run never returns an error: failures are reported in the terminal event and
// in Outcome.Err. The session, once opened, is closed exactly once after the
// terminal event, including when a step panics.
func (o *Orchestrator) Run(ctx context.Context, req models.ProvisioningRequest, stream *progress.Stream) Outcome {
	if stream == nil {
		stream = progress.NewStream(nil)
	}
	r := &run{
		o:      o,
		opts:   o.options(),
		req:    req,
		stream: stream,
		logger: o.logger(),
	}
	defer r.closeSession()

	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Printf("provision %s: panic: %v\n%s", r.req.Host, p, debug.Stack())
				r.out.Success = false
				r.out.Err = fmt.Errorf("unexpected failure: %v", p)
			}
		}()
		if err := r.execute(ctx); err != nil {
			r.out.Err = err
			return
		}
		r.out.Success = true
	}()
	r.finish()
	return r.out
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

func (o *Orchestrator) options() Options {
	opts := o.Options
	def := DefaultOptions()
	if opts.LockWaitAttempts <= 0 {
		opts.LockWaitAttempts = def.LockWaitAttempts
	}
	if opts.ReadinessAttempts <= 0 {
		opts.ReadinessAttempts = def.ReadinessAttempts
	}
	if opts.ReadinessMarker == "" {
		opts.ReadinessMarker = def.ReadinessMarker
	}
	if opts.Image == "" {
		opts.Image = def.Image
	}
	if opts.Port <= 0 {
		opts.Port = def.Port
	}
	return opts
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newToken(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AccessURL returns the gateway UI link carrying token.
func AccessURL(host string, port int, token string) string {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/?token=" + token
}

// run is the state of one provisioning run.
type run struct {
	o       *Orchestrator
	opts    Options
	req     models.ProvisioningRequest
	stream  *progress.Stream
	logger  *log.Logger
	session remote.Session
	builder shell.Builder
	layout  shell.Layout
	doc     gatewaycfg.Document
	// since bounds log polling to output from the restarted gateway.
	since string
	out   Outcome
}

func (r *run) closeSession() {
	if r.session == nil {
		return
	}
	sess := r.session
	r.session = nil
	if err := sess.Close(); err != nil {
		r.logger.Printf("provision %s: close session: %v", r.req.Host, err)
	}
}

func (r *run) finish() {
	extras := map[string]any{"host": r.out.Host}
	if r.out.Success {
		extras["url"] = r.out.URL
		extras["token"] = r.out.Token
		extras["port"] = r.out.Port
		if len(r.out.Warnings) > 0 {
			extras["warnings"] = r.out.Warnings
		}
		msg := fmt.Sprintf("%s OpenClaw is running. Access the UI at %s", progress.SuccessPrefix, r.out.URL)
		if !r.out.Ready {
			msg += " (the gateway has not reported ready yet; it may still be starting)"
		}
		r.stream.Finish(msg, extras)
		r.logger.Printf("provision %s: succeeded with %d warning(s)", r.out.Host, len(r.out.Warnings))
		return
	}
	extras["error"] = ErrorKind(r.out.Err)
	r.stream.Finish(fmt.Sprintf("%s %v", progress.ErrorPrefix, r.out.Err), extras)
	r.logger.Printf("provision %s: failed: %v", r.out.Host, r.out.Err)
}

// step times fn and reports it to the observer.
func (r *run) step(name Step, fn func() error) error {
	start := time.Now()
	err := fn()
	if r.o.Observer != nil {
		r.o.Observer.StepFinished(name, time.Since(start).Seconds())
	}
	return err
}

func (r *run) privileged(script string) (string, error) {
	return r.builder.Privileged(script)
}

func (r *run) runPrivileged(ctx context.Context, script string) (remote.Result, error) {
	cmd, err := r.privileged(script)
	if err != nil {
		return remote.Result{}, err
	}
	return r.session.Run(ctx, cmd)
}
