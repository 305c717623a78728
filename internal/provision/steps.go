package provision

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/clawup/clawup/internal/gatewaycfg"
	"github.com/clawup/clawup/internal/remote"
	"github.com/clawup/clawup/internal/shell"
)

func (r *run) execute(ctx context.Context) error {
	r.req.Normalize()
	r.out.Host = r.req.Host
	r.out.Port = r.opts.Port
	if err := r.req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	token, err := newToken(r.o.Rand)
	if err != nil {
		return err
	}
	r.builder = shell.NewBuilder(r.req)
	r.doc = gatewaycfg.Build(r.req, token)

	if err := r.step(StepConnect, func() error { return r.connect(ctx) }); err != nil {
		return err
	}
	r.resolveHome(ctx)
	if err := r.step(StepLockWait, func() error { return r.waitForLocks(ctx) }); err != nil {
		return err
	}
	installed := false
	if err := r.step(StepEngineCheck, func() error {
		var err error
		installed, err = r.engineInstalled(ctx)
		return err
	}); err != nil {
		return err
	}
	if !installed {
		if err := r.step(StepEngineInstall, func() error { return r.installEngine(ctx) }); err != nil {
			return err
		}
	}
	if err := r.step(StepDirectoryPrep, func() error { return r.prepareDirectories(ctx) }); err != nil {
		return err
	}
	if err := r.step(StepComposeWrite, func() error { return r.writeCompose(ctx) }); err != nil {
		return err
	}
	if err := r.step(StepComposeUp, func() error { return r.composeUp(ctx) }); err != nil {
		return err
	}
	if err := r.step(StepPostConfigure, func() error { return r.postConfigure(ctx) }); err != nil {
		return err
	}
	if err := r.step(StepReadiness, func() error { return r.pollReadiness(ctx) }); err != nil {
		return err
	}
	// The token is only reported once the gateway carrying it is deployed.
	r.out.Token = token
	r.out.URL = AccessURL(r.req.Host, r.opts.Port, token)
	return nil
}

func (r *run) connect(ctx context.Context) error {
	r.stream.Emitf(pctConnect, "Connecting to %s:%d as %s...", r.req.Host, r.req.Port, r.req.Username)
	sess, err := r.o.Connector.Connect(ctx, remote.Credentials{
		Host:       r.req.Host,
		Port:       r.req.Port,
		Username:   r.req.Username,
		Password:   r.req.Password,
		PrivateKey: r.req.PrivateKey,
		Passphrase: r.req.Passphrase,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	r.session = sess
	if hk, ok := sess.(interface{ HostKeyFingerprint() string }); ok && hk.HostKeyFingerprint() != "" {
		r.logger.Printf("provision %s: host key %s", r.req.Host, hk.HostKeyFingerprint())
	}
	r.stream.Emitf(pctConnected, "Connected to %s.", r.req.Host)
	return nil
}

// resolveHome finds the login user's home so escalated commands never write
// into root's home directory.
func (r *run) resolveHome(ctx context.Context) {
	home := ""
	res, err := r.session.Run(ctx, shell.HomeProbe())
	if err == nil && res.ExitCode == 0 {
		home = strings.TrimSpace(res.Stdout)
	}
	if !path.IsAbs(home) {
		home = "/home/" + r.req.Username
		if r.req.Username == "root" {
			home = "/root"
		}
		r.logger.Printf("provision %s: could not resolve $HOME, assuming %s", r.req.Host, home)
	}
	r.layout = shell.NewLayout(home)
}

func (r *run) waitForLocks(ctx context.Context) error {
	r.stream.Emit(pctLockWait, "Checking for package manager locks...", nil)
	cmd, err := r.privileged(shell.LockProbe())
	if err != nil {
		return err
	}
	attempts := r.opts.LockWaitAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		r.out.LockProbes = attempt
		res, err := r.session.Run(ctx, cmd)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// A failed probe counts as held; the install step surfaces real problems.
		held := err != nil || !strings.Contains(res.Stdout, shell.LockClearMarker)
		if r.o.Observer != nil {
			r.o.Observer.LockProbe(held)
		}
		if !held {
			return nil
		}
		if attempt == attempts {
			break
		}
		r.stream.Emitf(pctLockWait, "Package manager is busy, waiting %s (attempt %d/%d)...", r.opts.LockWaitInterval, attempt, attempts)
		if err := r.o.sleep(ctx, r.opts.LockWaitInterval); err != nil {
			return err
		}
	}
	r.stream.Emit(pctLockWait, "Package manager is still busy; continuing anyway.", nil)
	return nil
}

func (r *run) engineInstalled(ctx context.Context) (bool, error) {
	r.stream.Emit(pctEngineCheck, "Checking for Docker...", nil)
	res, err := r.session.Run(ctx, shell.EngineProbe())
	if err != nil {
		return false, fmt.Errorf("check docker: %w", err)
	}
	if res.ExitCode != 0 {
		r.stream.Emit(pctEngineDecision, "Docker not found. Installing Docker (this may take a few minutes)...", nil)
		return false, nil
	}
	r.stream.Emitf(pctEngineDecision, "Docker is already installed: %s", strings.TrimSpace(res.Stdout))
	return true, nil
}

func (r *run) installEngine(ctx context.Context) error {
	cmd, err := r.privileged(shell.DockerInstallScript())
	if err != nil {
		return err
	}
	forward := func(line string) {
		if shell.IsSudoPrompt(line) {
			return
		}
		r.stream.Emit(pctEngineInstall, "[Docker Install] "+line, nil)
	}
	res, err := r.session.RunStreaming(ctx, cmd, forward, forward)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineInstall, err)
	}
	if res.ExitCode != 0 {
		r.logger.Printf("provision %s: install script exited %d", r.req.Host, res.ExitCode)
	}
	r.out.EngineInstalled = true

	verify, err := r.session.Run(ctx, shell.EngineProbe())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineInstall, err)
	}
	if verify.ExitCode != 0 {
		return fmt.Errorf("%w: docker is still unavailable after running the install script (exit %d); check the install logs above", ErrEngineInstall, verify.ExitCode)
	}
	r.stream.Emitf(pctEngineInstall, "Docker installed: %s", strings.TrimSpace(verify.Stdout))
	return nil
}

func (r *run) prepareDirectories(ctx context.Context) error {
	r.stream.Emit(pctDirectories, "Preparing persistent directories with correct permissions...", nil)
	settings, err := r.doc.Marshal()
	if err != nil {
		return err
	}
	res, err := r.runPrivileged(ctx, shell.PrepareDirs(r.layout, settings, runtimeUID, runtimeGID))
	if err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}
	if res.ExitCode != 0 {
		r.stream.Emitf(pctDirectories, "[WARN] Directory preparation exited %d: %s", res.ExitCode, shell.ScrubSudoPrompt(res.Combined()))
	}
	return nil
}

func (r *run) writeCompose(ctx context.Context) error {
	r.stream.Emit(pctCompose, "Creating docker-compose.yml...", nil)
	compose := gatewaycfg.NewCompose(r.req, gatewaycfg.ComposeOptions{
		Image:        r.opts.Image,
		Port:         r.opts.Port,
		StateDir:     r.layout.StateDir,
		WorkspaceDir: r.layout.WorkspaceDir,
	})
	data, err := compose.Marshal()
	if err != nil {
		return err
	}
	res, err := r.runPrivileged(ctx, shell.WriteFile(r.layout.ComposeFile, data, composeFileMode))
	if err != nil {
		return fmt.Errorf("write compose descriptor: %w", err)
	}
	if res.ExitCode != 0 {
		r.stream.Emitf(pctCompose, "[WARN] Writing %s exited %d: %s", r.layout.ComposeFile, res.ExitCode, shell.ScrubSudoPrompt(res.Combined()))
	}
	return nil
}

func (r *run) composeUp(ctx context.Context) error {
	r.stream.Emit(pctComposeUp, "Starting OpenClaw via Docker Compose...", nil)
	res, err := r.runPrivileged(ctx, shell.ComposeUp(r.layout.Home))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrComposeUp, err)
	}
	output := strings.TrimSpace(shell.ScrubSudoPrompt(res.Combined()))
	if res.ExitCode != 0 {
		return fmt.Errorf("%w (code %d): %s", ErrComposeUp, res.ExitCode, output)
	}
	if output != "" {
		r.stream.Emit(pctComposeOutput, "[Docker] "+output, nil)
	}
	return nil
}

func (r *run) postConfigure(ctx context.Context) error {
	r.stream.Emit(pctPostConfigure, "Configuring gateway security and access settings...", nil)
	if err := r.o.sleep(ctx, r.opts.SettleDelay); err != nil {
		return err
	}
	for _, setting := range r.doc.Settings() {
		applied, detail := r.applySetting(ctx, setting)
		r.out.Applied = append(r.out.Applied, applied)
		if applied.OK {
			r.stream.Emitf(pctConfigSet, "Set %s (via %s)", setting.Key, applied.Candidate)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if setting.Secret && setting.Value != "" {
			detail = strings.ReplaceAll(detail, setting.Value, redactedSetting)
		}
		r.warn(PostConfigureWarning, setting.Key, fmt.Sprintf("could not set %s: %s", setting.Key, detail))
		r.stream.Emitf(pctConfigSet, "[WARN] Could not set %s: %s", setting.Key, detail)
	}

	r.stream.Emit(pctRestart, "Restarting gateway to apply configuration...", nil)
	clock := r.remoteClock(ctx)
	res, err := r.runPrivileged(ctx, shell.Restart(gatewaycfg.ContainerName))
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		r.warn(PostConfigureWarning, "", "restart gateway: "+err.Error())
	case res.ExitCode != 0:
		r.warn(PostConfigureWarning, "", fmt.Sprintf("restart gateway exited %d: %s", res.ExitCode, shell.ScrubSudoPrompt(res.Combined())))
	}

	r.since = r.startedAt(ctx)
	if r.since == "" {
		r.since = clock
	}
	if r.since == "" {
		r.logger.Printf("provision %s: restart time unknown, readiness may match logs from an earlier boot", r.req.Host)
	}

	logs, err := r.runPrivileged(ctx, shell.Logs(gatewaycfg.ContainerName, diagnosticTail, r.since))
	if err == nil {
		if out := strings.TrimSpace(shell.ScrubSudoPrompt(logs.Combined())); out != "" {
			r.stream.Emit(pctRestart, "Gateway logs:\n"+out, nil)
		}
	}
	return nil
}

// remoteClock reads the host clock before the restart so log polling can skip
// earlier output when the container start time is unavailable.
func (r *run) remoteClock(ctx context.Context) string {
	res, err := r.session.Run(ctx, r.builder.Plain(shell.Clock()))
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	out := strings.TrimSpace(res.Stdout)
	if _, err := strconv.ParseInt(out, 10, 64); err != nil {
		return ""
	}
	return out
}

// startedAt returns the container's start time as reported by the engine.
func (r *run) startedAt(ctx context.Context) string {
	res, err := r.runPrivileged(ctx, shell.StartedAt(gatewaycfg.ContainerName))
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(shell.ScrubSudoPrompt(res.Stdout)))
	if err != nil || ts.Year() <= 1 {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// applySetting tries each config invocation in order and reports the first
// that succeeds.
func (r *run) applySetting(ctx context.Context, setting gatewaycfg.Setting) (AppliedSetting, string) {
	applied := AppliedSetting{Key: setting.Key}
	detail := "no invocation succeeded"
	for _, invocation := range shell.ConfigInvocations {
		candidate := strings.Join(invocation, " ")
		res, err := r.runPrivileged(ctx, shell.ConfigSet(gatewaycfg.ContainerName, invocation, setting.Key, setting.Value))
		if err == nil && res.ExitCode == 0 {
			applied.Candidate = candidate
			applied.OK = true
			if r.o.Observer != nil {
				r.o.Observer.PostConfigure(setting.Key, candidate)
			}
			return applied, ""
		}
		if err != nil {
			detail = err.Error()
		} else {
			detail = firstLine(shell.ScrubSudoPrompt(res.Combined()))
			if detail == "" {
				detail = fmt.Sprintf("exit %d", res.ExitCode)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	if r.o.Observer != nil {
		r.o.Observer.PostConfigure(setting.Key, "")
	}
	return applied, detail
}

func (r *run) pollReadiness(ctx context.Context) error {
	r.stream.Emit(pctReadiness, "Waiting for the gateway to become ready...", nil)
	attempts := r.opts.ReadinessAttempts
	marker := strings.ToLower(r.opts.ReadinessMarker)
	defer func() {
		if r.o.Observer != nil {
			r.o.Observer.ReadinessAttempts(r.out.ReadinessAttempts)
		}
	}()
	for attempt := 1; attempt <= attempts; attempt++ {
		r.out.ReadinessAttempts = attempt
		res, err := r.runPrivileged(ctx, shell.Logs(gatewaycfg.ContainerName, readinessTail, r.since))
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && strings.Contains(strings.ToLower(res.Combined()), marker) {
			r.out.Ready = true
			r.stream.Emitf(pctReadiness, "Gateway is ready (attempt %d/%d).", attempt, attempts)
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := r.o.sleep(ctx, r.opts.ReadinessInterval); err != nil {
			return err
		}
	}
	msg := fmt.Sprintf("gateway did not report ready after %d attempts; it may still be starting", attempts)
	r.warn(ReadinessTimeoutWarning, "", msg)
	r.stream.Emit(pctReadiness, "[WARN] "+msg, nil)
	return nil
}

func (r *run) warn(kind WarningKind, key, message string) {
	r.out.Warnings = append(r.out.Warnings, Warning{Kind: kind, Key: key, Message: message})
	r.logger.Printf("provision %s: warning %s: %s", r.req.Host, kind, message)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
