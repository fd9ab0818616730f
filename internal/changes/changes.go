// Package changes holds the concrete infrastructure changes the orchestrator
// schedules. Every change sends a single command to a node agent.
package changes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/agent"
	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/config"
)

const (
	KindStartProcess       = "start_process"
	KindStopProcess        = "stop_process"
	KindConnectProcesses   = "connect_processes"
	KindReconfigureProcess = "reconfigure_process"
)

// Policy is the retry behavior of one kind.
type Policy struct {
	MaxRetryCount int
	RetryInterval time.Duration
}

// Stopping a process must eventually happen, so it retries longer than the
// others.
var defaultPolicies = map[string]Policy{
	KindStartProcess:       {MaxRetryCount: 3, RetryInterval: 30 * time.Second},
	KindStopProcess:        {MaxRetryCount: 10, RetryInterval: 15 * time.Second},
	KindConnectProcesses:   {MaxRetryCount: 5, RetryInterval: 20 * time.Second},
	KindReconfigureProcess: {MaxRetryCount: 3, RetryInterval: 30 * time.Second},
}

func ProcessResource(id string) string { return "process:" + id }
func ConnectionResource(id string) string { return "connection:" + id }

// PolicyFor merges the built-in policy of kind with an override from the
// retry policy file.
func PolicyFor(kind string, overrides map[string]config.RetryPolicy) Policy {
	p := defaultPolicies[kind]
	o, ok := overrides[kind]
	if !ok {
		return p
	}
	if o.MaxRetryCount != nil {
		p.MaxRetryCount = *o.MaxRetryCount
	}
	if o.RetryInterval > 0 {
		p.RetryInterval = o.RetryInterval
	}
	return p
}

// Register adds every kind to reg. Decoded changes send their commands
// through cmd.
func Register(reg *change.Registry, cmd agent.Commander, overrides map[string]config.RetryPolicy) {
	start := env{cmd: cmd, policy: PolicyFor(KindStartProcess, overrides)}
	stop := env{cmd: cmd, policy: PolicyFor(KindStopProcess, overrides)}
	connect := env{cmd: cmd, policy: PolicyFor(KindConnectProcesses, overrides)}
	reconfigure := env{cmd: cmd, policy: PolicyFor(KindReconfigureProcess, overrides)}

	reg.Register(KindStartProcess, func() change.Change { return &StartProcess{env: start} })
	reg.Register(KindStopProcess, func() change.Change { return &StopProcess{env: stop} })
	reg.Register(KindConnectProcesses, func() change.Change { return &ConnectProcesses{env: connect} })
	reg.Register(KindReconfigureProcess, func() change.Change { return &ReconfigureProcess{env: reconfigure} })
}

// env is what a change needs at run time but does not persist.
type env struct {
	cmd    agent.Commander
	policy Policy
}

func (e env) MaxRetryCount() int { return e.policy.MaxRetryCount }
func (e env) RetryInterval() time.Duration { return e.policy.RetryInterval }

func (e env) send(ctx context.Context, c change.Change, args any) error {
	if v, ok := c.(change.Validator); ok {
		if err := v.Validate(); err != nil {
			return change.Permanent(err)
		}
	}
	if e.cmd == nil {
		return errors.New("no agent commander configured")
	}
	return e.cmd.Send(ctx, agent.Command{Op: c.Kind(), Args: args})
}

type StartProcess struct {
	env
	ProcessID string            `json:"process_id"`
	Image     string            `json:"image"`
	Node      string            `json:"node,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func (c *StartProcess) Kind() string { return KindStartProcess }

func (c *StartProcess) Description() string {
	return fmt.Sprintf("start process %s from %s", c.ProcessID, c.Image)
}

func (c *StartProcess) Resources() []string {
	return []string{ProcessResource(c.ProcessID)}
}

func (c *StartProcess) Validate() error {
	if c.ProcessID == "" {
		return errors.New("process_id is required")
	}
	if c.Image == "" {
		return errors.New("image is required")
	}
	return nil
}

func (c *StartProcess) Execute(ctx context.Context) error {
	return c.send(ctx, c, c)
}

// StopProcess asks the agent to terminate a process. With Force set the
// process is killed.
type StopProcess struct {
	env
	ProcessID string `json:"process_id"`
	Force     bool   `json:"force,omitempty"`
}

func (c *StopProcess) Kind() string { return KindStopProcess }

func (c *StopProcess) Description() string {
	return "stop process " + c.ProcessID
}

func (c *StopProcess) Resources() []string {
	return []string{ProcessResource(c.ProcessID)}
}

func (c *StopProcess) Validate() error {
	if c.ProcessID == "" {
		return errors.New("process_id is required")
	}
	return nil
}

func (c *StopProcess) Execute(ctx context.Context) error {
	return c.send(ctx, c, c)
}

// ConnectProcesses wires an interface of one process to another. It holds
// both processes and the connection while it runs.
type ConnectProcesses struct {
	env
	ConnectionID string `json:"connection_id"`
	FromProcess  string `json:"from_process"`
	ToProcess    string `json:"to_process"`
	Interface    string `json:"interface,omitempty"`
}

func (c *ConnectProcesses) Kind() string { return KindConnectProcesses }

func (c *ConnectProcesses) Description() string {
	return fmt.Sprintf("connect %s to %s as %s", c.FromProcess, c.ToProcess, c.ConnectionID)
}

func (c *ConnectProcesses) Resources() []string {
	return []string{
		ConnectionResource(c.ConnectionID),
		ProcessResource(c.FromProcess),
		ProcessResource(c.ToProcess),
	}
}

func (c *ConnectProcesses) Validate() error {
	switch {
	case c.ConnectionID == "":
		return errors.New("connection_id is required")
	case c.FromProcess == "" || c.ToProcess == "":
		return errors.New("from_process and to_process are required")
	case c.FromProcess == c.ToProcess:
		return errors.New("a process cannot connect to itself")
	}
	return nil
}

func (c *ConnectProcesses) Execute(ctx context.Context) error {
	return c.send(ctx, c, c)
}

type ReconfigureProcess struct {
	env
	ProcessID string            `json:"process_id"`
	Config    map[string]string `json:"config"`
}

func (c *ReconfigureProcess) Kind() string { return KindReconfigureProcess }

func (c *ReconfigureProcess) Description() string {
	return fmt.Sprintf("reconfigure process %s (%d keys)", c.ProcessID, len(c.Config))
}

func (c *ReconfigureProcess) Resources() []string {
	return []string{ProcessResource(c.ProcessID)}
}

func (c *ReconfigureProcess) Validate() error {
	if c.ProcessID == "" {
		return errors.New("process_id is required")
	}
	if len(c.Config) == 0 {
		return errors.New("config must not be empty")
	}
	return nil
}

func (c *ReconfigureProcess) Execute(ctx context.Context) error {
	return c.send(ctx, c, c)
}
