// Package process implements the per-managed-process state machine: spawn
// and kill primitives, the restart/backoff policy, health integration, and
// the command intake RPC handlers call into.
//
// A single supervision goroutine per Process is the sole authority over its
// mutable state; every exported method only ever writes intent
// (should_run) or sends a command into that goroutine, then polls for the
// post-condition to converge.
package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-supervice/supervice/internal/config"
	"github.com/go-supervice/supervice/internal/eventbus"
	"github.com/go-supervice/supervice/internal/health"
	"github.com/go-supervice/supervice/pkg/signame"
	"go.uber.org/zap"
)

// State is one of the eight lifecycle states a Process can occupy.
type State string

func (s State) String() string { return string(s) }

const (
	StateStopped   State = "STOPPED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateBackoff   State = "BACKOFF"
	StateStopping  State = "STOPPING"
	StateExited    State = "EXITED"
	StateFatal     State = "FATAL"
	StateUnhealthy State = "UNHEALTHY"
)

// HealthState is the tri-state is_healthy attribute from spec.md §3.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthUnhealthy
)

// backoffBase/backoffCap resolve spec.md §9's open question: exponential
// backoff, base 1s, x2 per retry, capped at 15s —
// delay(n) = min(base * 2^(n-1), cap), grounded on the pack's
// mdarshad-ai-MCP-Manager backoff.go formula.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 15 * time.Second
)

func backoffDelay(retryCount int) time.Duration {
	if retryCount <= 1 {
		return backoffBase
	}
	d := backoffBase << (retryCount - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// StatusEntry is the read-only snapshot consumed directly by the RPC
// server's `status` response.
type StatusEntry struct {
	Name          string
	State         State
	PID           int     // 0 when absent
	UptimeSeconds *int64  // nil when absent
	Health        *string // "ok" / "fail", nil when unknown or no healthcheck
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdClose
)

type command struct {
	kind  cmdKind
	force bool
}

// Process is the runtime entity wrapping at most one live OS child.
type Process struct {
	log *zap.Logger
	eb  *eventbus.Bus

	name      string
	groupName string
	cfg       config.ProgramConfig
	instance  int

	cmdChan chan command
	closeCh chan struct{}

	mu         sync.Mutex
	state      State
	shouldRun  bool
	pid        int
	startedAt  time.Time
	retryCount int
	isHealthy  HealthState

	stdoutBuf *ringBuffer
	stderrBuf *ringBuffer
}

// New constructs a Process in STOPPED state. instance is the %(process_num)s
// index for this entity (0 for numprocs = 1). Callers must call Run to
// launch the supervision goroutine.
func New(log *zap.Logger, eb *eventbus.Bus, name, groupName string, cfg config.ProgramConfig, instance int) *Process {
	return &Process{
		log:       log.Named("process").With(zap.String("process", name)),
		eb:        eb,
		name:      name,
		groupName: groupName,
		cfg:       cfg,
		instance:  instance,
		cmdChan:   make(chan command, 8),
		closeCh:   make(chan struct{}),
		state:     StateStopped,
		stdoutBuf: &ringBuffer{},
		stderrBuf: &ringBuffer{},
	}
}

// TailLog returns up to n of the most recent lines this Process's child
// has written to the given stream ("stdout" or "stderr"), oldest first.
func (p *Process) TailLog(stream string, n int) ([]string, error) {
	switch stream {
	case "stdout":
		return p.stdoutBuf.Read(n), nil
	case "stderr":
		return p.stderrBuf.Read(n), nil
	default:
		return nil, fmt.Errorf("process: unknown log stream %q", stream)
	}
}

// Name returns the instance-qualified process name ("web:00", or bare
// "web" for numprocs = 1).
func (p *Process) Name() string { return p.name }

// Run launches the supervision goroutine. Call once; returns once the
// loop has exited (after Close).
func (p *Process) Run(ctx context.Context) {
	p.loop(ctx)
}

// Close terminates the supervision goroutine. Callers must have already
// driven should_run to false and awaited a terminal state (e.g. via Stop)
// — Close does not itself stop a running child.
func (p *Process) Close() {
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
}

// Snapshot returns the current read-only state for the RPC `status`
// command and for tests.
func (p *Process) Snapshot() StatusEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	se := StatusEntry{Name: p.name, State: p.state, PID: p.pid}
	if !p.startedAt.IsZero() && p.pid != 0 {
		secs := int64(time.Since(p.startedAt).Seconds())
		se.UptimeSeconds = &secs
	}
	switch p.isHealthy {
	case HealthHealthy:
		ok := "ok"
		se.Health = &ok
	case HealthUnhealthy:
		fail := "fail"
		se.Health = &fail
	}
	return se
}

func (p *Process) setState(s State, message string) {
	p.mu.Lock()
	from := p.state
	p.state = s
	pid := p.pid
	p.mu.Unlock()

	if p.eb == nil {
		return
	}
	p.eb.Publish(eventbus.Event{
		Kind:        eventbus.Kind(s),
		ProcessName: p.name,
		GroupName:   p.groupName,
		FromState:   string(from),
		PID:         pid,
		Message:     message,
	})
}

// --- command intake -------------------------------------------------------

// Start implements spec.md §4.3 start_process(): set should_run = true,
// reset retry_count from FATAL, wake the loop, wait up to 5s for RUNNING.
func (p *Process) Start(ctx context.Context) error {
	p.send(command{kind: cmdStart})
	return p.waitFor(ctx, 5*time.Second, func(s State) bool { return s == StateRunning })
}

// Stop implements stop_process(): should_run = false, wait for terminal.
func (p *Process) Stop(ctx context.Context) error {
	return p.stop(ctx, false)
}

// ForceStop is stop_process() using the Force-Kill primitive (immediate
// SIGKILL) instead of the graceful Kill primitive. Used by whole-system
// shutdown once a Process has missed its graceful deadline.
func (p *Process) ForceStop(ctx context.Context) error {
	return p.stop(ctx, true)
}

// Restart implements restart_process(force): a stop followed by a start,
// observationally equivalent to the round-trip stop(name); start(name)
// per spec.md §8 law L2. force selects Force-Kill over the graceful Kill
// primitive during the stop phase.
func (p *Process) Restart(ctx context.Context, force bool) error {
	if err := p.stop(ctx, force); err != nil {
		return fmt.Errorf("process: restart %s: stop phase: %w", p.name, err)
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("process: restart %s: start phase: %w", p.name, err)
	}
	return nil
}

func (p *Process) stop(ctx context.Context, force bool) error {
	p.send(command{kind: cmdStop, force: force})
	return p.waitFor(ctx, p.cfg.StopWaitSecs+5*time.Second, func(s State) bool {
		return s == StateStopped || s == StateExited || s == StateFatal
	})
}

func (p *Process) send(cmd command) {
	select {
	case p.cmdChan <- cmd:
	case <-p.closeCh:
	}
}

func (p *Process) waitFor(ctx context.Context, timeout time.Duration, satisfied func(State) bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		s := p.state
		p.mu.Unlock()
		if satisfied(s) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("process: %s: timed out waiting for state (currently %s)", p.name, s)
		case <-ticker.C:
		}
	}
}

// --- supervision loop -------------------------------------------------------

func (p *Process) loop(ctx context.Context) {
	var (
		cmd          *exec.Cmd
		doneCh       chan error
		backoffTimer *time.Timer
		stopTimer    *time.Timer
		sigKilled    bool

		healthCancel context.CancelFunc
		healthEvCh   chan health.Event
	)

	stopHealth := func() {
		if healthCancel != nil {
			healthCancel()
			healthCancel = nil
		}
		healthEvCh = nil
	}
	defer stopHealth()

	timerC := func(t *time.Timer) <-chan time.Time {
		if t == nil {
			return nil
		}
		return t.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.closeCh:
			return

		case c := <-p.cmdChan:
			switch c.kind {
			case cmdStart:
				p.mu.Lock()
				p.shouldRun = true
				atFatal := p.state == StateFatal
				if atFatal {
					p.retryCount = 0
				}
				idle := p.state == StateStopped || p.state == StateFatal || p.state == StateExited
				p.mu.Unlock()
				if idle {
					if backoffTimer != nil {
						backoffTimer.Stop()
						backoffTimer = nil
					}
					p.attemptSpawn(&cmd, &doneCh, &healthCancel, &healthEvCh, &backoffTimer)
				}

			case cmdStop:
				p.mu.Lock()
				p.shouldRun = false
				live := p.state == StateRunning || p.state == StateUnhealthy || p.state == StateStarting
				backingOff := p.state == StateBackoff
				stopping := p.state == StateStopping
				p.mu.Unlock()

				if backingOff {
					if backoffTimer != nil {
						backoffTimer.Stop()
						backoffTimer = nil
					}
					p.setState(StateStopped, "stopped during backoff")
				} else if live {
					stopHealth()
					sigKilled = false
					p.killChild(cmd, c.force, &stopTimer, &sigKilled)
				} else if stopping && c.force && cmd != nil && cmd.Process != nil && !sigKilled {
					// Force-Kill of a child already in a graceful stop: escalate now.
					sigKilled = true
					p.log.Warn("force-kill during graceful stop: sending SIGKILL to process group", zap.Int("pid", cmd.Process.Pid))
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				}
				// if already terminal, stop is a no-op (idempotent).

			case cmdClose:
				return
			}

		case err := <-doneCh:
			doneCh = nil
			if stopTimer != nil {
				stopTimer.Stop()
				stopTimer = nil
			}
			stopHealth()
			p.onReap(err, &backoffTimer)
			cmd = nil

		case <-timerC(stopTimer):
			if cmd != nil && cmd.Process != nil && !sigKilled {
				sigKilled = true
				p.log.Warn("graceful stop timed out, escalating to SIGKILL", zap.Int("pid", cmd.Process.Pid))
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}

		case <-timerC(backoffTimer):
			backoffTimer = nil
			p.attemptSpawn(&cmd, &doneCh, &healthCancel, &healthEvCh, &backoffTimer)

		case ev, ok := <-healthEvCh:
			if !ok {
				continue
			}
			p.onHealthEvent(ev, cmd, &stopTimer, &sigKilled)
		}
	}
}

// attemptSpawn resolves the spawn primitive (spec.md §4.3). On success the
// Process transitions to RUNNING and a health-probe task is started if
// configured; on failure the standard restart policy is applied with
// uptime = 0.
func (p *Process) attemptSpawn(cmdOut **exec.Cmd, doneOut *chan error, healthCancelOut *context.CancelFunc, healthEvOut *chan health.Event, backoffTimerOut **time.Timer) {
	p.setState(StateStarting, "")

	argv, err := resolveArgv(p.cfg.Command)
	if err != nil {
		p.log.Warn("spawn failed: command resolution", zap.Error(err))
		p.onSpawnFailed(backoffTimerOut)
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = p.cfg.Directory
	cmd.Env = buildEnv(p.cfg.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if p.cfg.User != "" {
		cred, err := resolveCredential(p.cfg.User)
		if err != nil {
			p.log.Warn("spawn failed: user resolution (treated as exit 126)", zap.String("user", p.cfg.User), zap.Error(err))
			p.onSpawnFailed(backoffTimerOut)
			return
		}
		cmd.SysProcAttr.Credential = cred
	}

	stdoutTail := &lineWriter{buf: p.stdoutBuf}
	if f, err := openLogFile(p.cfg.StdoutLogfile, p.instance); err == nil && f != nil {
		cmd.Stdout = io.MultiWriter(f, stdoutTail)
	} else {
		if err != nil {
			p.log.Warn("failed to open stdout logfile", zap.Error(err))
		}
		cmd.Stdout = stdoutTail
	}

	stderrTail := &lineWriter{buf: p.stderrBuf}
	if f, err := openLogFile(p.cfg.StderrLogfile, p.instance); err == nil && f != nil {
		cmd.Stderr = io.MultiWriter(f, stderrTail)
	} else {
		if err != nil {
			p.log.Warn("failed to open stderr logfile", zap.Error(err))
		}
		cmd.Stderr = stderrTail
	}

	if err := cmd.Start(); err != nil {
		p.log.Warn("spawn failed", zap.String("command", argv[0]), zap.Error(err))
		p.onSpawnFailed(backoffTimerOut)
		return
	}

	pid := cmd.Process.Pid
	now := time.Now()
	p.mu.Lock()
	p.pid = pid
	p.startedAt = now
	p.isHealthy = HealthUnknown
	p.mu.Unlock()

	p.log.Info("process started", zap.Int("pid", pid))
	p.setState(StateRunning, "")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	*cmdOut = cmd
	*doneOut = done

	prober, err := health.New(p.cfg.HealthCheck)
	if err != nil {
		p.log.Warn("health prober configuration invalid", zap.Error(err))
	} else if prober != nil {
		hctx, cancel := context.WithCancel(context.Background())
		evCh := make(chan health.Event, 4)
		*healthCancelOut = cancel
		*healthEvOut = evCh
		go func() {
			health.Loop(hctx, prober, p.cfg.HealthCheck, func(ev health.Event) {
				select {
				case evCh <- ev:
				case <-hctx.Done():
				}
			})
			close(evCh)
		}()
	}
}

// onSpawnFailed applies the restart policy to a spawn that never produced a
// live child (equivalent to uptime = 0).
func (p *Process) onSpawnFailed(backoffTimerOut **time.Timer) {
	p.applyUnsuccessfulPolicy(0, backoffTimerOut)
}

// onReap applies the restart/backoff policy once a child has been waited
// on (either it exited on its own, or it was reaped after Kill/Force-Kill).
func (p *Process) onReap(waitErr error, backoffTimerOut **time.Timer) {
	p.mu.Lock()
	uptime := time.Since(p.startedAt)
	shouldRun := p.shouldRun
	p.pid = 0
	p.isHealthy = HealthUnknown
	p.mu.Unlock()

	if waitErr != nil {
		p.log.Info("process exited", zap.Error(waitErr), zap.Duration("uptime", uptime))
	} else {
		p.log.Info("process exited cleanly", zap.Duration("uptime", uptime))
	}

	if !shouldRun {
		p.setState(StateStopped, "")
		return
	}

	p.setState(StateExited, "")
	p.applyUnsuccessfulPolicy(uptime, backoffTimerOut)
}

// applyUnsuccessfulPolicy implements spec.md §4.3's restart policy,
// covering both a real exit (uptime computed from started_at) and a spawn
// failure (uptime = 0, indistinguishable from an immediate crash).
func (p *Process) applyUnsuccessfulPolicy(uptime time.Duration, backoffTimerOut **time.Timer) {
	p.mu.Lock()
	if uptime >= p.cfg.StartSecs {
		p.retryCount = 0
	} else {
		p.retryCount++
	}
	retryCount := p.retryCount
	survived := uptime >= p.cfg.StartSecs
	autoRestart := p.cfg.AutoRestart
	startRetries := p.cfg.StartRetries
	p.mu.Unlock()

	switch {
	case survived && autoRestart:
		p.setState(StateBackoff, "")
		p.armBackoff(backoffTimerOut, 0)
	case survived && !autoRestart:
		p.setState(StateStopped, "")
	case !survived && retryCount >= startRetries:
		p.setState(StateFatal, "exhausted startretries")
	default:
		p.setState(StateBackoff, "")
		p.armBackoff(backoffTimerOut, backoffDelay(retryCount))
	}
}

func (p *Process) armBackoff(backoffTimerOut **time.Timer, delay time.Duration) {
	if *backoffTimerOut != nil {
		(*backoffTimerOut).Stop()
	}
	*backoffTimerOut = time.NewTimer(delay)
}

// killChild implements the Kill / Force-Kill primitives: signal the
// process group and, for a graceful kill, arm an escalation timer.
func (p *Process) killChild(cmd *exec.Cmd, force bool, stopTimerOut **time.Timer, sigKilledOut *bool) {
	p.setState(StateStopping, "")
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if force {
		*sigKilledOut = true
		p.log.Info("force-kill: sending SIGKILL to process group", zap.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return
	}

	sig := signame.MustParse(p.cfg.StopSignal)
	p.log.Info("sending stop signal to process group", zap.Int("pid", pid), zap.String("signal", sig.String()))
	_ = syscall.Kill(-pid, sig)

	if *stopTimerOut != nil {
		(*stopTimerOut).Stop()
	}
	*stopTimerOut = time.NewTimer(p.cfg.StopWaitSecs)
}

// onHealthEvent translates health.Event threshold crossings into the
// UNHEALTHY / health-triggered-restart transitions of spec.md §4.3.
func (p *Process) onHealthEvent(ev health.Event, cmd *exec.Cmd, stopTimerOut **time.Timer, sigKilledOut *bool) {
	if ev.Passed {
		p.mu.Lock()
		p.isHealthy = HealthHealthy
		wasUnhealthy := p.state == StateUnhealthy
		p.mu.Unlock()
		if p.eb != nil {
			p.eb.Publish(eventbus.Event{Kind: eventbus.KindHealthcheckPassed, ProcessName: p.name, GroupName: p.groupName})
		}
		if wasUnhealthy {
			p.setState(StateRunning, "health check recovered")
		}
		return
	}

	p.mu.Lock()
	p.isHealthy = HealthUnhealthy
	p.mu.Unlock()
	if p.eb != nil {
		p.eb.Publish(eventbus.Event{Kind: eventbus.KindHealthcheckFailed, ProcessName: p.name, GroupName: p.groupName, Failures: ev.ConsecutiveFail, Message: ev.Message})
	}

	if !ev.ThresholdCrossed {
		return
	}

	p.mu.Lock()
	running := p.state == StateRunning
	autoRestart := p.cfg.AutoRestart
	p.mu.Unlock()
	if !running {
		return
	}

	p.setState(StateUnhealthy, "health check failed threshold")
	if !autoRestart {
		return
	}

	*sigKilledOut = false
	p.killChild(cmd, false, stopTimerOut, sigKilledOut)
}

// --- spawn helpers -----------------------------------------------------------

func resolveArgv(command []string) ([]string, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return command, nil
}

// buildEnv returns the child's replacement environment: exactly the
// configured keys, with nothing inherited from the daemon. An empty
// configuration yields an empty (non-nil) environment.
func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func resolveCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid: %w", err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid: %w", err)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("resolve supplementary groups: %w", err)
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		gv, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(gv))
	}

	return &syscall.Credential{
		Uid:    uint32(uid),
		Gid:    uint32(gid),
		Groups: groups,
	}, nil
}
