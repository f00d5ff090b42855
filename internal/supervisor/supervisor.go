// Package supervisor is the top-level orchestrator: it owns the Process
// set and the group index, installs signal handlers, performs whole-system
// shutdown, and executes hot-reload diffs.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-supervice/supervice/internal/config"
	"github.com/go-supervice/supervice/internal/eventbus"
	"github.com/go-supervice/supervice/internal/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReloadResult is the `{added, removed, changed}` payload returned by both
// the RPC and dashboard reload endpoints.
type ReloadResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

type entry struct {
	proc   *process.Process
	cancel context.CancelFunc
	group  string
}

// Supervisor owns every Process and the PID-file lock for the daemon's
// lifetime.
type Supervisor struct {
	log *zap.Logger
	eb  *eventbus.Bus

	cfg     *config.Config
	cfgPath string

	mu       sync.Mutex
	entries  map[string]*entry // keyed by instance-qualified name
	groups   map[string][]string

	pidLock *pidLock

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Supervisor from an already-validated configuration. It
// does not start anything; call Start.
func New(log *zap.Logger, eb *eventbus.Bus, cfg *config.Config, cfgPath string) *Supervisor {
	return &Supervisor{
		log:        log.Named("supervisor"),
		eb:         eb,
		cfg:        cfg,
		cfgPath:    cfgPath,
		entries:    make(map[string]*entry),
		groups:     make(map[string][]string),
		shutdownCh: make(chan struct{}),
	}
}

// Start acquires the PID-file lock, constructs every configured Process,
// launches their supervision tasks honoring autostart, and starts the
// event bus. Signal handling and the blocking wait are left to Run.
func (s *Supervisor) Start(ctx context.Context) error {
	lock, err := acquirePIDLock(s.cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("supervisor: acquire pidfile lock: %w", err)
	}
	s.pidLock = lock

	s.eb.Start()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.cfg.ProgramNames() {
		s.spawnEntriesLocked(ctx, s.cfg.Programs[name])
	}
	s.rebuildGroupsLocked()
	return nil
}

// spawnEntriesLocked constructs and launches the n Process instances for
// one ProgramConfig. Caller must hold s.mu.
func (s *Supervisor) spawnEntriesLocked(ctx context.Context, pc config.ProgramConfig) {
	n := pc.NumProcs
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		name := instanceName(pc.Name, i, n)
		p := process.New(s.log, s.eb, name, pc.Group, pc, i)

		pctx, cancel := context.WithCancel(ctx)
		s.entries[name] = &entry{proc: p, cancel: cancel, group: pc.Group}

		go p.Run(pctx)

		if pc.AutoStart {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := p.Start(ctx); err != nil {
					s.log.Warn("autostart failed to converge", zap.String("process", name), zap.Error(err))
				}
			}()
		}
	}
}

func instanceName(name string, i, n int) string {
	if n == 1 {
		return name
	}
	return fmt.Sprintf("%s:%02d", name, i)
}

func (s *Supervisor) rebuildGroupsLocked() {
	groups := make(map[string][]string)
	for name, e := range s.entries {
		groups[e.group] = append(groups[e.group], name)
	}
	for g := range groups {
		sort.Strings(groups[g])
	}
	s.groups = groups
}

// Run installs signal handlers and blocks until a shutdown-triggering
// signal arrives or ctx is cancelled, then performs graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(context.Background())

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				s.log.Info("received shutdown signal", zap.String("signal", sig.String()))
				return s.Shutdown(context.Background())
			case syscall.SIGHUP:
				s.log.Info("received SIGHUP; ignoring (reload is via RPC)")
			}

		case <-s.shutdownCh:
			return nil
		}
	}
}

// Shutdown performs the whole-system graceful shutdown sequence: command
// should_run=false on every Process, await terminal state within
// shutdown_timeout, force-kill any stragglers, stop the event bus, then
// release the PID-file lock. The RPC server and dashboard are not stopped
// here; they stop when their own context is cancelled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown: stopping event bus and all processes")

		deadline, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		s.mu.Lock()
		procs := make([]*process.Process, 0, len(s.entries))
		for _, e := range s.entries {
			procs = append(procs, e.proc)
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, p := range procs {
			wg.Add(1)
			go func(p *process.Process) {
				defer wg.Done()
				if stopErr := p.Stop(deadline); stopErr != nil {
					s.log.Warn("process did not stop gracefully by deadline, forcing", zap.String("process", p.Name()), zap.Error(stopErr))
					forceCtx, forceCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer forceCancel()
					_ = p.ForceStop(forceCtx)
				}
			}(p)
		}
		wg.Wait()

		s.mu.Lock()
		for _, e := range s.entries {
			e.cancel()
		}
		s.mu.Unlock()

		s.eb.Stop()

		if s.pidLock != nil {
			if relErr := s.pidLock.release(); relErr != nil {
				s.log.Warn("failed to release pidfile lock", zap.Error(relErr))
			}
		}

		close(s.shutdownCh)
		s.log.Info("shutdown complete")
	})
	return err
}

// --- RPC / dashboard facing operations ---------------------------------------

// Status returns a stable-ordered snapshot of every Process.
func (s *Supervisor) Status() []process.StatusEntry {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]*entry, len(names))
	for i, n := range names {
		entries[i] = s.entries[n]
	}
	s.mu.Unlock()

	out := make([]process.StatusEntry, len(entries))
	for i, e := range entries {
		out[i] = e.proc.Snapshot()
	}
	return out
}

func (s *Supervisor) lookup(name string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return e.proc, true
}

// StartProcess dispatches start_process to the named Process.
func (s *Supervisor) StartProcess(ctx context.Context, name string) error {
	p, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown process %q", name)
	}
	return p.Start(ctx)
}

// StopProcess dispatches stop_process to the named Process.
func (s *Supervisor) StopProcess(ctx context.Context, name string) error {
	p, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown process %q", name)
	}
	return p.Stop(ctx)
}

// RestartProcess dispatches restart_process(force) to the named Process.
func (s *Supervisor) RestartProcess(ctx context.Context, name string, force bool) error {
	p, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown process %q", name)
	}
	return p.Restart(ctx, force)
}

// TailLog returns the most recent lines a Process's child has written to
// stdout or stderr, for the RPC/dashboard `tail` operation.
func (s *Supervisor) TailLog(name, stream string, n int) ([]string, error) {
	p, ok := s.lookup(name)
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown process %q", name)
	}
	return p.TailLog(stream, n)
}

// groupMembers returns the instance names belonging to a group, error if
// the group is unknown.
func (s *Supervisor) groupMembers(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown group %q", name)
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// StartGroup fans start_process out to every member of a group via
// errgroup, per spec.md §4.4 — success iff all members succeed.
func (s *Supervisor) StartGroup(ctx context.Context, name string) error {
	members, err := s.groupMembers(name)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		g.Go(func() error { return s.StartProcess(gctx, m) })
	}
	return g.Wait()
}

// StopGroup fans stop_process out to every member of a group.
func (s *Supervisor) StopGroup(ctx context.Context, name string) error {
	members, err := s.groupMembers(name)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		g.Go(func() error { return s.StopProcess(gctx, m) })
	}
	return g.Wait()
}

// Reload re-parses the configuration file and reconciles the Process set
// per spec.md §4.4: added programs are started, removed programs are
// stopped and dropped, changed programs are reported but left untouched.
func (s *Supervisor) Reload(ctx context.Context) (ReloadResult, error) {
	newCfg, err := config.Load(s.cfgPath)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("supervisor: reload: %w", err)
	}

	s.mu.Lock()
	oldCfg := s.cfg
	s.mu.Unlock()

	var result ReloadResult
	for _, name := range newCfg.ProgramNames() {
		if _, existed := oldCfg.Programs[name]; !existed {
			result.Added = append(result.Added, name)
		} else if !oldCfg.Programs[name].Equal(newCfg.Programs[name]) {
			result.Changed = append(result.Changed, name)
		}
	}
	for _, name := range oldCfg.ProgramNames() {
		if _, stillExists := newCfg.Programs[name]; !stillExists {
			result.Removed = append(result.Removed, name)
		}
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Changed)

	for _, name := range result.Removed {
		if err := s.removeProgram(ctx, name); err != nil {
			s.log.Warn("reload: failed to cleanly remove program", zap.String("program", name), zap.Error(err))
		}
	}
	for _, name := range result.Added {
		s.mu.Lock()
		s.spawnEntriesLocked(ctx, newCfg.Programs[name])
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.rebuildGroupsLocked()
	s.mu.Unlock()

	return result, nil
}

// removeProgram stops every instance of a program and drops it from the set.
func (s *Supervisor) removeProgram(ctx context.Context, name string) error {
	s.mu.Lock()
	var toRemove []string
	for entryName := range s.entries {
		base := entryName
		if idx := lastColon(entryName); idx >= 0 {
			base = entryName[:idx]
		}
		if base == name {
			toRemove = append(toRemove, entryName)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, entryName := range toRemove {
		entryName := entryName
		g.Go(func() error {
			p, ok := s.lookup(entryName)
			if !ok {
				return nil
			}
			return p.Stop(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, entryName := range toRemove {
		if e, ok := s.entries[entryName]; ok {
			e.cancel()
			e.proc.Close()
			delete(s.entries, entryName)
		}
	}
	s.mu.Unlock()
	return nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
