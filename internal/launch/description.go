// Package launch defines what agents and clients exchange: launch
// descriptions with their pre-launch tasks, process and listener contracts,
// the error taxonomy, well-known registry paths and the remoting wire shapes.
package launch

import (
	"fmt"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
)

// Well-known registry paths.
const (
	LaunchersPath = "/launchers"
	ClientsPath   = "/launchclients"
)

// AgentPath is the registration path of agent id.
func AgentPath(id string) string {
	return LaunchersPath + "/" + id
}

// Description is everything an agent needs to start one process. Every
// expression is evaluated on the agent host.
type Description struct {
	Command []expr.Expr          `json:"command"`
	Env     map[string]expr.Expr `json:"env,omitempty"`
	WorkDir *expr.Expr           `json:"work_dir,omitempty"`
	Tasks   []Task               `json:"tasks,omitempty"`
}

// NewDescription starts a description with a command.
func NewDescription(command ...expr.Expression) *Description {
	return &Description{Command: expr.Wrap(command...)}
}

// Add appends command tokens.
func (d *Description) Add(tokens ...expr.Expression) *Description {
	d.Command = append(d.Command, expr.Wrap(tokens...)...)
	return d
}

// SetEnv sets one environment variable.
func (d *Description) SetEnv(name string, value expr.Expression) *Description {
	if d.Env == nil {
		d.Env = make(map[string]expr.Expr)
	}
	d.Env[name] = expr.Expr{Expression: value}
	return d
}

func (d *Description) SetWorkDir(dir expr.Expression) *Description {
	d.WorkDir = &expr.Expr{Expression: dir}
	return d
}

// AddTask appends a pre-launch task.
func (d *Description) AddTask(t Task) *Description {
	d.Tasks = append(d.Tasks, t)
	return d
}

// Validate rejects descriptions that cannot be launched.
func (d *Description) Validate() error {
	if len(d.Command) == 0 {
		return fmt.Errorf("%w: empty command", ErrLaunchFailure)
	}
	for i, tok := range d.Command {
		if tok.Expression == nil {
			return fmt.Errorf("%w: command token %d is null", ErrLaunchFailure, i)
		}
	}
	for name, v := range d.Env {
		if v.Expression == nil {
			return fmt.Errorf("%w: env %s is null", ErrLaunchFailure, name)
		}
	}
	for i, t := range d.Tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// Task is a pre-launch step. Exactly one field is set.
type Task struct {
	Install   *InstallTask   `json:"install,omitempty"`
	SubLaunch *SubLaunchTask `json:"sub_launch,omitempty"`
}

func (t Task) Validate() error {
	switch {
	case t.Install != nil && t.SubLaunch == nil:
		if t.Install.Artifact == "" {
			return fmt.Errorf("%w: install task without artifact", ErrLaunchFailure)
		}
		if t.Install.Dest.Expression == nil {
			return fmt.Errorf("%w: install task without destination", ErrLaunchFailure)
		}
		return nil
	case t.SubLaunch != nil && t.Install == nil:
		return t.SubLaunch.Description.Validate()
	default:
		return fmt.Errorf("%w: task must set exactly one of install or sub_launch", ErrLaunchFailure)
	}
}

// InstallTask resolves Artifact and copies its files into Dest.
type InstallTask struct {
	Artifact string    `json:"artifact"`
	Dest     expr.Expr `json:"dest"`
}

// Install builds an install task.
func Install(artifact string, dest expr.Expression) Task {
	return Task{Install: &InstallTask{Artifact: artifact, Dest: expr.Expr{Expression: dest}}}
}

// SubLaunchTask runs a process to completion; a non-zero exit aborts the
// enclosing launch.
type SubLaunchTask struct {
	Description Description   `json:"description"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// SubLaunch builds a sub-launch task.
func SubLaunch(d *Description, timeout time.Duration) Task {
	return Task{SubLaunch: &SubLaunchTask{Description: *d, Timeout: timeout}}
}
