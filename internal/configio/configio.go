// Package configio loads a static inventory file into an immutable
// core.Config. It stands in for the out-of-scope DSL collaborator
// (spec.md §1): no templating, no scripting, only structural YAML decode
// plus the validation that collaborator is charged with — unknown group
// members, duplicate names, port range.
package configio

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/nexus-run/nexus/internal/condition"
	"github.com/nexus-run/nexus/internal/core"
)

// definition mirrors the on-disk YAML shape; Load converts it into
// core.Config after validation.
type definition struct {
	DefaultUser      string `yaml:"default_user"`
	DefaultPort      int    `yaml:"default_port"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	CommandTimeoutMS int    `yaml:"command_timeout_ms"`
	MaxConnections   int    `yaml:"max_connections"`
	ContinueOnError  bool   `yaml:"continue_on_error"`

	Hosts    map[string]hostDef  `yaml:"hosts"`
	Groups   map[string][]string `yaml:"groups"`
	Tasks    map[string]taskDef  `yaml:"tasks"`
	Handlers map[string]stepListDef `yaml:"handlers"`
}

type hostDef struct {
	Hostname     string `yaml:"hostname"`
	User         string `yaml:"user"`
	Port         int    `yaml:"port"`
	IdentityFile string `yaml:"identity_file"`
	ProxyJump    string `yaml:"proxy_jump"`
	Password     string `yaml:"password"`
}

type taskDef struct {
	Deps []string `yaml:"deps"`

	On       string      `yaml:"on"`
	Commands []stepDef   `yaml:"commands"`

	TimeoutMS int `yaml:"timeout_ms"`

	Strategy    string `yaml:"strategy"`
	BatchSize   int    `yaml:"batch_size"`
	CanaryHosts int    `yaml:"canary_hosts"`
	CanaryWaitS int    `yaml:"canary_wait_s"`
	HandlerOn   string `yaml:"handler_on"`

	Tags []string `yaml:"tags"`

	ContinueOnError *bool `yaml:"continue_on_error"`
}

type stepListDef []stepDef

// stepDef is a structural union over every step kind: exactly one of the
// kind-specific blocks (Shell, Upload, ...) is expected to be non-nil, and
// Kind picks it. This mirrors the YAML authoring convention of naming the
// step's kind as its own key (e.g. `shell: {cmd: ...}`).
type stepDef struct {
	When        string `yaml:"when"`
	Notify      string `yaml:"notify"`
	Description string `yaml:"description"`

	Shell      *shellStepDef      `yaml:"shell"`
	Upload     *uploadStepDef     `yaml:"upload"`
	Download   *downloadStepDef   `yaml:"download"`
	Template   *templateStepDef   `yaml:"template"`
	WaitFor    *waitForStepDef    `yaml:"wait_for"`
	Command    *commandStepDef    `yaml:"command"`
	Package    *resourceStepDef   `yaml:"package"`
	Service    *resourceStepDef   `yaml:"service"`
	File       *resourceStepDef   `yaml:"file"`
	Directory  *resourceStepDef   `yaml:"directory"`
	User       *resourceStepDef   `yaml:"user"`
	Group      *resourceStepDef   `yaml:"group"`
}

type shellStepDef struct {
	Cmd          string `yaml:"cmd"`
	Sudo         bool   `yaml:"sudo"`
	SudoUser     string `yaml:"sudo_user"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	Retries      int    `yaml:"retries"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
}

type uploadStepDef struct {
	LocalPath  string `yaml:"local_path"`
	RemotePath string `yaml:"remote_path"`
	Sudo       bool   `yaml:"sudo"`
	Mode       string `yaml:"mode"`
}

type downloadStepDef struct {
	RemotePath string `yaml:"remote_path"`
	LocalPath  string `yaml:"local_path"`
	Sudo       bool   `yaml:"sudo"`
}

type templateStepDef struct {
	Source      string         `yaml:"source"`
	Destination string         `yaml:"destination"`
	Vars        map[string]any `yaml:"vars"`
	Sudo        bool           `yaml:"sudo"`
	Mode        string         `yaml:"mode"`
}

type waitForStepDef struct {
	Type                string `yaml:"type"`
	Target              string `yaml:"target"`
	TimeoutMS           int    `yaml:"timeout_ms"`
	IntervalMS          int    `yaml:"interval_ms"`
	ExpectedStatus      int    `yaml:"expected_status"`
	ExpectedBody        string `yaml:"expected_body"`
	ExpectedBodyIsRegex bool   `yaml:"expected_body_is_regex"`
}

type commandStepDef struct {
	Cmd          string            `yaml:"cmd"`
	Creates      string            `yaml:"creates"`
	Removes      string            `yaml:"removes"`
	Unless       string            `yaml:"unless"`
	OnlyIf       string            `yaml:"only_if"`
	Cwd          string            `yaml:"cwd"`
	Env          map[string]string `yaml:"env"`
	Sudo         bool              `yaml:"sudo"`
	SudoUser     string            `yaml:"sudo_user"`
	TimeoutMS    int               `yaml:"timeout_ms"`
	Retries      int               `yaml:"retries"`
	RetryDelayMS int               `yaml:"retry_delay_ms"`
}

type resourceStepDef struct {
	Name    string `yaml:"name"`
	State   string `yaml:"state"`
	Version string `yaml:"version"`
	Mode    string `yaml:"mode"`
	Owner   string `yaml:"owner"`
	Group   string `yaml:"group"`
	Content string `yaml:"content"`
	Enabled bool   `yaml:"enabled"`
	Shell   string `yaml:"shell"`
	Home    string `yaml:"home"`
	System  bool   `yaml:"system"`
}

// LoadFile reads path and decodes it into a core.Config.
func LoadFile(path string) (core.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Config{}, fmt.Errorf("%w: %s: %v", core.ErrConfigError, path, err)
	}
	return Load(data)
}

// Load decodes raw YAML bytes into a core.Config, validating group
// membership, name uniqueness across hosts/groups, and port ranges.
func Load(data []byte) (core.Config, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return core.Config{}, fmt.Errorf("%w: %v", core.ErrConfigError, err)
	}
	return build(def)
}

func build(def definition) (core.Config, error) {
	var errs core.ErrorList

	cfg := core.Config{
		DefaultUser:      def.DefaultUser,
		DefaultPort:      def.DefaultPort,
		ConnectTimeoutMS: def.ConnectTimeoutMS,
		CommandTimeoutMS: def.CommandTimeoutMS,
		MaxConnections:   def.MaxConnections,
		ContinueOnError:  def.ContinueOnError,
		Hosts:            make(map[string]core.Host, len(def.Hosts)),
		Groups:           make(map[string]core.HostGroup, len(def.Groups)),
		Tasks:            make(map[string]core.Task, len(def.Tasks)),
		Handlers:         make(map[string]core.Handler, len(def.Handlers)),
	}

	if def.DefaultPort != 0 && (def.DefaultPort < 1 || def.DefaultPort > 65535) {
		errs = append(errs, fmt.Errorf("%w: default_port %d out of range", core.ErrConfigError, def.DefaultPort))
	}

	for name, h := range def.Hosts {
		if h.Port != 0 && (h.Port < 1 || h.Port > 65535) {
			errs = append(errs, fmt.Errorf("%w: host %s: port %d out of range", core.ErrConfigError, name, h.Port))
			continue
		}
		cfg.Hosts[name] = core.Host{
			Name: name, Hostname: h.Hostname, User: h.User, Port: h.Port,
			IdentityFile: h.IdentityFile, ProxyJump: h.ProxyJump, Password: h.Password,
		}
	}

	for name, members := range def.Groups {
		if _, dup := cfg.Hosts[name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q is both a host and a group", core.ErrConfigError, name))
		}
		for _, m := range members {
			if _, ok := def.Hosts[m]; !ok {
				errs = append(errs, fmt.Errorf("%w: group %s: unknown member host %q", core.ErrConfigError, name, m))
			}
		}
		cfg.Groups[name] = core.HostGroup{Name: name, Members: append([]string(nil), members...)}
	}

	for name, h := range def.Handlers {
		steps, err := buildSteps(h)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: handler %s: %v", core.ErrConfigError, name, err))
			continue
		}
		cfg.Handlers[name] = core.Handler{Name: name, Commands: steps}
	}

	for name, t := range def.Tasks {
		task, err := buildTask(name, t, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.Tasks[name] = task
	}

	if len(errs) > 0 {
		return core.Config{}, errs
	}
	return cfg, nil
}

func buildTask(name string, t taskDef, cfg core.Config) (core.Task, error) {
	target, err := parseTarget(t.On, cfg)
	if err != nil {
		return core.Task{}, fmt.Errorf("%w: task %s: %v", core.ErrConfigError, name, err)
	}
	steps, err := buildSteps(t.Commands)
	if err != nil {
		return core.Task{}, fmt.Errorf("%w: task %s: %v", core.ErrConfigError, name, err)
	}

	task := core.Task{
		Name:        name,
		Deps:        append([]string(nil), t.Deps...),
		On:          target,
		Commands:    steps,
		TimeoutMS:   t.TimeoutMS,
		Strategy:    core.Strategy(t.Strategy),
		BatchSize:   t.BatchSize,
		CanaryHosts: t.CanaryHosts,
		CanaryWaitS: t.CanaryWaitS,
		Tags:        append([]string(nil), t.Tags...),
	}

	if t.HandlerOn != "" {
		handlerTarget, err := parseTarget(t.HandlerOn, cfg)
		if err != nil {
			return core.Task{}, fmt.Errorf("%w: task %s: handler_on: %v", core.ErrConfigError, name, err)
		}
		task.HandlerOn = handlerTarget
		task.HasHandlerOn = true
	}
	if t.ContinueOnError != nil {
		task.ContinueOnErrorSet = true
		task.ContinueOnError = *t.ContinueOnError
	}
	return task, nil
}

// parseTarget reads ":local" or a bare host/group name, disambiguating
// host vs. group against cfg's already-built Hosts/Groups maps (a name
// can't be both, per build()'s duplicate-name check). An unresolvable
// name still produces a Target — internal/runner.resolveHosts reports the
// ErrNoHosts failure at run time, not here.
func parseTarget(s string, cfg core.Config) (core.Target, error) {
	if s == "" || s == ":local" {
		return core.Target{Kind: core.TargetLocal}, nil
	}
	if _, ok := cfg.Hosts[s]; ok {
		return core.Target{Kind: core.TargetHost, Name: s}, nil
	}
	return core.Target{Kind: core.TargetGroup, Name: s}, nil
}

func buildSteps(defs []stepDef) ([]core.Step, error) {
	steps := make([]core.Step, 0, len(defs))
	for i, d := range defs {
		body, err := stepBody(d)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		var when *condition.Expr
		if d.When != "" {
			when, err = parseWhen(d.When)
			if err != nil {
				return nil, fmt.Errorf("step %d: when: %w", i, err)
			}
		}
		steps = append(steps, core.Step{
			When:        when,
			Notify:      d.Notify,
			Description: d.Description,
			Body:        body,
		})
	}
	return steps, nil
}

func stepBody(d stepDef) (core.StepBody, error) {
	switch {
	case d.Shell != nil:
		s := d.Shell
		return core.ShellStep{
			Cmd: s.Cmd, Sudo: s.Sudo, SudoUser: s.SudoUser,
			TimeoutMS: s.TimeoutMS, Retries: s.Retries, RetryDelayMS: s.RetryDelayMS,
		}, nil
	case d.Upload != nil:
		u := d.Upload
		mode, err := parseMode(u.Mode)
		if err != nil {
			return nil, err
		}
		return core.UploadStep{LocalPath: u.LocalPath, RemotePath: u.RemotePath, Sudo: u.Sudo, Mode: mode}, nil
	case d.Download != nil:
		dl := d.Download
		return core.DownloadStep{RemotePath: dl.RemotePath, LocalPath: dl.LocalPath, Sudo: dl.Sudo}, nil
	case d.Template != nil:
		tpl := d.Template
		mode, err := parseMode(tpl.Mode)
		if err != nil {
			return nil, err
		}
		return core.TemplateStep{Source: tpl.Source, Destination: tpl.Destination, Vars: tpl.Vars, Sudo: tpl.Sudo, Mode: mode}, nil
	case d.WaitFor != nil:
		w := d.WaitFor
		return core.WaitForStep{
			Type: core.WaitForKind(w.Type), Target: w.Target, TimeoutMS: w.TimeoutMS, IntervalMS: w.IntervalMS,
			ExpectedStatus: w.ExpectedStatus, ExpectedBody: w.ExpectedBody, ExpectedBodyIsRegex: w.ExpectedBodyIsRegex,
		}, nil
	case d.Command != nil:
		c := d.Command
		return core.GuardedCommandStep{
			Cmd: c.Cmd, Creates: c.Creates, Removes: c.Removes, Unless: c.Unless, OnlyIf: c.OnlyIf,
			Cwd: c.Cwd, Env: c.Env, Sudo: c.Sudo, SudoUser: c.SudoUser,
			TimeoutMS: c.TimeoutMS, Retries: c.Retries, RetryDelayMS: c.RetryDelayMS,
		}, nil
	case d.Package != nil:
		return resourceStep(core.StepPackage, d.Package)
	case d.Service != nil:
		return resourceStep(core.StepService, d.Service)
	case d.File != nil:
		return resourceStep(core.StepFile, d.File)
	case d.Directory != nil:
		return resourceStep(core.StepDirectory, d.Directory)
	case d.User != nil:
		return resourceStep(core.StepUser, d.User)
	case d.Group != nil:
		return resourceStep(core.StepGroup, d.Group)
	default:
		return nil, fmt.Errorf("step names no recognized kind")
	}
}

func resourceStep(kind core.StepKind, r *resourceStepDef) (core.StepBody, error) {
	mode, err := parseMode(r.Mode)
	if err != nil {
		return nil, err
	}
	return core.ResourceStep{
		ResourceKind: kind, Name: r.Name,
		State: core.ResourceState(r.State), Version: r.Version,
		Mode: mode, Owner: r.Owner, Group: r.Group, Content: r.Content,
		Enabled: r.Enabled, Shell: r.Shell, Home: r.Home, System: r.System,
	}, nil
}

func parseMode(s string) (*uint32, error) {
	if s == "" {
		return nil, nil
	}
	var v uint32
	if _, err := fmt.Sscanf(s, "%o", &v); err != nil {
		return nil, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	return &v, nil
}
