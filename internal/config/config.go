// Package config loads and validates supervice's INI configuration file
// into the records the rest of the daemon treats as external input.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"gopkg.in/ini.v1"

	"github.com/go-supervice/supervice/pkg/hostutil"
	"github.com/go-supervice/supervice/pkg/signame"
)

// HealthCheckType selects a Prober implementation.
type HealthCheckType string

const (
	HealthCheckNone   HealthCheckType = "none"
	HealthCheckTCP    HealthCheckType = "tcp"
	HealthCheckScript HealthCheckType = "script"
)

// HealthCheckConfig is the validated health-check definition for a program.
type HealthCheckConfig struct {
	Type        HealthCheckType
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
	Host        string
	Port        int
	Command     []string
}

// ProgramConfig is the static, immutable definition of a supervised program.
type ProgramConfig struct {
	Name          string
	Command       []string
	Directory     string
	User          string
	Environment   map[string]string
	NumProcs      int
	AutoStart     bool
	AutoRestart   bool
	StartSecs     time.Duration
	StartRetries  int
	StopSignal    string
	StopWaitSecs  time.Duration
	StdoutLogfile string
	StderrLogfile string
	Group         string
	HealthCheck   HealthCheckConfig
}

// Equal reports whether two ProgramConfig values are equivalent for the
// purpose of hot-reload diffing ("changed" detection).
func (p ProgramConfig) Equal(o ProgramConfig) bool {
	if p.Name != o.Name || p.Directory != o.Directory || p.User != o.User ||
		p.NumProcs != o.NumProcs || p.AutoStart != o.AutoStart || p.AutoRestart != o.AutoRestart ||
		p.StartSecs != o.StartSecs || p.StartRetries != o.StartRetries ||
		p.StopSignal != o.StopSignal || p.StopWaitSecs != o.StopWaitSecs ||
		p.StdoutLogfile != o.StdoutLogfile || p.StderrLogfile != o.StderrLogfile ||
		p.Group != o.Group || p.HealthCheck != o.HealthCheck {
		return false
	}
	if len(p.Command) != len(o.Command) {
		return false
	}
	for i := range p.Command {
		if p.Command[i] != o.Command[i] {
			return false
		}
	}
	if len(p.Environment) != len(o.Environment) {
		return false
	}
	for k, v := range p.Environment {
		if o.Environment[k] != v {
			return false
		}
	}
	return true
}

// Config is the fully validated, top-level configuration record.
type Config struct {
	SocketPath      string
	PIDFile         string
	ShutdownTimeout time.Duration
	Programs        map[string]ProgramConfig // keyed by program name
	Groups          map[string][]string      // group name -> ordered program names

	// DashboardAddr is empty unless the optional status dashboard is
	// enabled (config key or --dashboard-addr override). DashboardUsername
	// and DashboardPassword gate its Basic-to-session login; an empty
	// password disables that login, and since sessions are only created by
	// a Basic login, every dashboard request is then rejected with 401.
	DashboardAddr     string
	DashboardUsername string
	DashboardPassword string
}

// ProgramNames returns the configured program names in sorted order.
func (c *Config) ProgramNames() []string {
	names := make([]string, 0, len(c.Programs))
	for n := range c.Programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load reads and validates the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	cfg := &Config{
		SocketPath:      "/var/run/supervice.sock",
		PIDFile:         "/var/run/supervice.pid",
		ShutdownTimeout: 10 * time.Second,
		Programs:        make(map[string]ProgramConfig),
		Groups:          make(map[string][]string),
	}

	if sec, err := f.GetSection("supervice"); err == nil {
		if v := sec.Key("socket_path").String(); v != "" {
			cfg.SocketPath = v
		}
		if v := sec.Key("pidfile").String(); v != "" {
			cfg.PIDFile = v
		}
		if v := sec.Key("shutdown_timeout").String(); v != "" {
			d, err := durationOrSeconds(v, cfg.ShutdownTimeout)
			if err != nil {
				return nil, fmt.Errorf("config: [supervice] shutdown_timeout: %w", err)
			}
			cfg.ShutdownTimeout = d
		}
		cfg.DashboardAddr = sec.Key("dashboard_addr").String()
		cfg.DashboardUsername = orDefault(sec.Key("dashboard_username").String(), "admin")
		cfg.DashboardPassword = sec.Key("dashboard_password").String()
	}

	explicitGroups := make(map[string][]string)

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "program:") && !strings.Contains(strings.TrimPrefix(name, "program:"), "."):
			progName := strings.TrimPrefix(name, "program:")
			hc, err := parseHealthCheck(f, progName)
			if err != nil {
				return nil, err
			}
			pc, err := parseProgram(sec, progName, hc)
			if err != nil {
				return nil, err
			}
			if _, dup := cfg.Programs[pc.Name]; dup {
				return nil, fmt.Errorf("config: duplicate program %q", pc.Name)
			}
			cfg.Programs[pc.Name] = pc

		case strings.HasPrefix(name, "group:"):
			groupName := strings.TrimPrefix(name, "group:")
			members := splitCSV(sec.Key("programs").String())
			explicitGroups[groupName] = members
		}
	}

	for groupName, members := range explicitGroups {
		for _, m := range members {
			pc, ok := cfg.Programs[m]
			if !ok {
				return nil, fmt.Errorf("config: [group:%s] references unknown program %q", groupName, m)
			}
			pc.Group = groupName
			cfg.Programs[m] = pc
		}
	}

	for name, pc := range cfg.Programs {
		if pc.Group == "" {
			pc.Group = name
			cfg.Programs[name] = pc
		}
	}

	for name, pc := range cfg.Programs {
		cfg.Groups[pc.Group] = append(cfg.Groups[pc.Group], name)
	}
	for g := range cfg.Groups {
		sort.Strings(cfg.Groups[g])
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseProgram(sec *ini.Section, name string, hc HealthCheckConfig) (ProgramConfig, error) {
	command, err := splitCommand(sec.Key("command").String())
	if err != nil {
		return ProgramConfig{}, fmt.Errorf("config: [program:%s] command: %w", name, err)
	}

	pc := ProgramConfig{
		Name:          name,
		Command:       command,
		Directory:     sec.Key("directory").String(),
		User:          sec.Key("user").String(),
		Environment:   parseEnvironment(sec.Key("environment").String()),
		NumProcs:      sec.Key("numprocs").MustInt(1),
		AutoStart:     sec.Key("autostart").MustBool(true),
		AutoRestart:   sec.Key("autorestart").MustBool(true),
		StartRetries:  sec.Key("startretries").MustInt(3),
		StopSignal:    orDefault(sec.Key("stopsignal").String(), "TERM"),
		StdoutLogfile: sec.Key("stdout_logfile").String(),
		StderrLogfile: sec.Key("stderr_logfile").String(),
		HealthCheck:   hc,
	}

	startSecs, err := intSeconds(sec.Key("startsecs").MustInt(1))
	if err != nil {
		return pc, fmt.Errorf("config: [program:%s] startsecs: %w", name, err)
	}
	pc.StartSecs = startSecs

	stopWait, err := intSeconds(sec.Key("stopwaitsecs").MustInt(10))
	if err != nil {
		return pc, fmt.Errorf("config: [program:%s] stopwaitsecs: %w", name, err)
	}
	pc.StopWaitSecs = stopWait

	if len(pc.Command) == 0 {
		return pc, fmt.Errorf("config: [program:%s] command is required", name)
	}
	if pc.NumProcs < 1 {
		return pc, fmt.Errorf("config: [program:%s] numprocs must be >= 1", name)
	}
	return pc, nil
}

func parseHealthCheck(f *ini.File, progName string) (HealthCheckConfig, error) {
	hc := HealthCheckConfig{Type: HealthCheckNone}

	sec, err := f.GetSection("program:" + progName + ".healthcheck")
	if err != nil {
		return hc, nil
	}

	hc.Type = HealthCheckType(orDefault(sec.Key("type").String(), "none"))

	interval, err := durationOrSeconds(sec.Key("interval").String(), 5*time.Second)
	if err != nil {
		return hc, fmt.Errorf("config: [program:%s.healthcheck] interval: %w", progName, err)
	}
	hc.Interval = interval

	timeout, err := durationOrSeconds(sec.Key("timeout").String(), 2*time.Second)
	if err != nil {
		return hc, fmt.Errorf("config: [program:%s.healthcheck] timeout: %w", progName, err)
	}
	hc.Timeout = timeout

	startPeriod, err := durationOrSeconds(sec.Key("start_period").String(), 0)
	if err != nil {
		return hc, fmt.Errorf("config: [program:%s.healthcheck] start_period: %w", progName, err)
	}
	hc.StartPeriod = startPeriod

	hc.Retries = sec.Key("retries").MustInt(3)
	hc.Host = orDefault(sec.Key("host").String(), "127.0.0.1")
	hc.Port = sec.Key("port").MustInt(0)

	command, err := splitCommand(sec.Key("command").String())
	if err != nil {
		return hc, fmt.Errorf("config: [program:%s.healthcheck] command: %w", progName, err)
	}
	hc.Command = command

	switch hc.Type {
	case HealthCheckNone, HealthCheckTCP, HealthCheckScript:
	default:
		return hc, fmt.Errorf("config: [program:%s.healthcheck] unknown type %q", progName, hc.Type)
	}
	if hc.Type == HealthCheckTCP {
		if hc.Port < 1 || hc.Port > 65535 {
			return hc, fmt.Errorf("config: [program:%s.healthcheck] tcp requires port in [1,65535]", progName)
		}
		if err := hostutil.ValidateHost(hc.Host); err != nil {
			return hc, fmt.Errorf("config: [program:%s.healthcheck] host: %w", progName, err)
		}
	}
	if hc.Type == HealthCheckScript && len(hc.Command) == 0 {
		return hc, fmt.Errorf("config: [program:%s.healthcheck] script requires command", progName)
	}
	return hc, nil
}

func validate(cfg *Config) error {
	if cfg.SocketPath == "" {
		return fmt.Errorf("config: socket_path is required")
	}
	if cfg.PIDFile == "" {
		return fmt.Errorf("config: pidfile is required")
	}
	for name, pc := range cfg.Programs {
		if _, err := parseStopSignal(pc.StopSignal); err != nil {
			return fmt.Errorf("config: [program:%s] %w", name, err)
		}
	}
	return nil
}

// parseStopSignal validates that s names a known POSIX signal, so an
// unrecognized stopsignal is rejected at load time rather than at the
// first stop attempt.
func parseStopSignal(s string) (string, error) {
	if _, err := signame.Parse(s); err != nil {
		return "", err
	}
	return s, nil
}

// splitCommand argv-splits a command line with shell quoting rules, so
// `/bin/sh -c 'trap "" TERM; sleep 3600'` parses as three arguments rather
// than being torn apart at every space.
func splitCommand(s string) ([]string, error) {
	fields, err := shellwords.Parse(s)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseEnvironment(s string) map[string]string {
	env := make(map[string]string)
	for _, pair := range splitCSV(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		env[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return env
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func intSeconds(n int) (time.Duration, error) {
	if n < 0 {
		return 0, fmt.Errorf("must be >= 0")
	}
	return time.Duration(n) * time.Second, nil
}

// durationOrSeconds accepts either a Go duration string ("5s") or a bare
// integer number of seconds, matching the example config's mixed usage.
func durationOrSeconds(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("must be >= 0")
		}
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
