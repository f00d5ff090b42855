package process

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-supervice/supervice/internal/config"
	"github.com/go-supervice/supervice/internal/eventbus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProcess(t *testing.T, cfg config.ProgramConfig) (*Process, *eventbus.Bus) {
	t.Helper()
	eb := eventbus.New(zap.NewNop())
	eb.Start()
	t.Cleanup(eb.Stop)

	if cfg.StartRetries == 0 {
		cfg.StartRetries = 3
	}
	if cfg.StopWaitSecs == 0 {
		cfg.StopWaitSecs = 2 * time.Second
	}
	if cfg.StopSignal == "" {
		cfg.StopSignal = "TERM"
	}

	p := New(zap.NewNop(), eb, cfg.Name, cfg.Name, cfg, 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		p.Close()
		cancel()
	})
	go p.Run(ctx)
	return p, eb
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// Scenario 1: happy-path start.
func TestProcess_HappyPathStart(t *testing.T) {
	p, _ := newTestProcess(t, config.ProgramConfig{
		Name:      "web",
		Command:   []string{"/bin/sleep", "3600"},
		AutoStart: true,
		StartSecs: time.Second,
	})

	require.NoError(t, p.Start(context.Background()))

	snap := p.Snapshot()
	require.Equal(t, StateRunning, snap.State)
	require.NotZero(t, snap.PID)
	require.NotNil(t, snap.UptimeSeconds)
	require.GreaterOrEqual(t, *snap.UptimeSeconds, int64(0))
}

// Scenario 2: quick-exit reaches FATAL within a handful of seconds.
func TestProcess_QuickExitReachesFatal(t *testing.T) {
	p, _ := newTestProcess(t, config.ProgramConfig{
		Name:         "web",
		Command:      []string{"/bin/false"},
		AutoRestart:  true,
		StartSecs:    time.Second,
		StartRetries: 3,
	})

	require.NoError(t, p.Start(context.Background()))

	waitUntil(t, 8*time.Second, func() bool {
		return p.Snapshot().State == StateFatal
	})
}

// Scenario 3: graceful stop.
func TestProcess_GracefulStop(t *testing.T) {
	p, _ := newTestProcess(t, config.ProgramConfig{
		Name:         "web",
		Command:      []string{"/bin/sleep", "3600"},
		StartSecs:    time.Second,
		StopSignal:   "TERM",
		StopWaitSecs: 10 * time.Second,
	})

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	require.Equal(t, StateStopped, p.Snapshot().State)
}

// Scenario 4: force stop of a trap-ignoring child.
func TestProcess_ForceStopTrapIgnoringChild(t *testing.T) {
	p, _ := newTestProcess(t, config.ProgramConfig{
		Name:         "web",
		Command:      []string{"/bin/sh", "-c", `trap "" TERM; sleep 3600`},
		StartSecs:    time.Second,
		StopSignal:   "TERM",
		StopWaitSecs: 2 * time.Second,
	})

	require.NoError(t, p.Start(context.Background()))

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	require.Equal(t, StateStopped, p.Snapshot().State)
	require.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

// I2: from FATAL, only an explicit start reaches STARTING/RUNNING again.
func TestProcess_FatalRequiresExplicitStart(t *testing.T) {
	p, eb := newTestProcess(t, config.ProgramConfig{
		Name:         "web",
		Command:      []string{"/bin/false"},
		AutoRestart:  true,
		StartSecs:    100 * time.Millisecond,
		StartRetries: 1,
	})

	require.NoError(t, p.Start(context.Background()))
	waitUntil(t, 5*time.Second, func() bool { return p.Snapshot().State == StateFatal })

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StateFatal, p.Snapshot().State, "must remain FATAL without an explicit start")

	// An explicit start against the same (still-failing) command leaves
	// FATAL and retries, eventually landing back in FATAL rather than
	// silently staying put — proof the command reached the loop again.
	var restarted atomic.Bool
	eb.Subscribe(eventbus.KindStarting, func(eventbus.Event) error {
		restarted.Store(true)
		return nil
	})
	_ = p.Start(context.Background())
	waitUntil(t, 5*time.Second, restarted.Load)
	waitUntil(t, 5*time.Second, func() bool { return p.Snapshot().State == StateFatal })
}

// L1: stop(name); start(name) from RUNNING returns to RUNNING with a new PID.
func TestProcess_StopStartRoundTrip(t *testing.T) {
	p, _ := newTestProcess(t, config.ProgramConfig{
		Name:         "web",
		Command:      []string{"/bin/sleep", "3600"},
		StartSecs:    time.Second,
		StopSignal:   "TERM",
		StopWaitSecs: 2 * time.Second,
	})

	require.NoError(t, p.Start(context.Background()))
	firstPID := p.Snapshot().PID

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Start(context.Background()))

	snap := p.Snapshot()
	require.Equal(t, StateRunning, snap.State)
	require.NotEqual(t, firstPID, snap.PID)
}

func TestBackoffDelay_ExponentialCappedSchedule(t *testing.T) {
	require.Equal(t, time.Second, backoffDelay(1))
	require.Equal(t, 2*time.Second, backoffDelay(2))
	require.Equal(t, 4*time.Second, backoffDelay(3))
	require.Equal(t, 15*time.Second, backoffDelay(10))
}
