package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/galdor/go-failover/pkg/failover"
)

// ExecProber runs the configured health check command; the check
// passes when the command exits with status zero. An empty command
// reports the service as always healthy.
type ExecProber struct {
	Command []string
}

func NewExecProber(command []string) *ExecProber {
	return &ExecProber{
		Command: command,
	}
}

func (p *ExecProber) Probe(ctx context.Context) error {
	if len(p.Command) == 0 {
		return nil
	}

	return runCommand(ctx, p.Command)
}

// ExecAction runs configured start and stop command lines. An empty
// command line makes the corresponding side a no-op, which keeps the
// action idempotent by construction.
type ExecAction struct {
	name         string
	startCommand []string
	stopCommand  []string
}

func NewExecAction(cfg ActionCfg) *ExecAction {
	return &ExecAction{
		name:         cfg.Name,
		startCommand: cfg.StartCommand,
		stopCommand:  cfg.StopCommand,
	}
}

func (a *ExecAction) Name() string {
	return a.name
}

func (a *ExecAction) Start(ctx context.Context) error {
	if len(a.startCommand) == 0 {
		return nil
	}

	return runCommand(ctx, a.startCommand)
}

func (a *ExecAction) Stop(ctx context.Context) error {
	if len(a.stopCommand) == 0 {
		return nil
	}

	return runCommand(ctx, a.stopCommand)
}

// ExecBinder binds and releases the virtual address by running
// configured commands, e.g. ip(8) invocations, with the address
// appended as the last argument.
type ExecBinder struct {
	bindCommand    []string
	releaseCommand []string
}

func NewExecBinder(bindCommand, releaseCommand []string) *ExecBinder {
	return &ExecBinder{
		bindCommand:    bindCommand,
		releaseCommand: releaseCommand,
	}
}

func (b *ExecBinder) Bind(ctx context.Context, address failover.VirtualAddress) error {
	if len(b.bindCommand) == 0 {
		return nil
	}

	return runCommand(ctx, append(b.bindCommand, string(address)))
}

func (b *ExecBinder) Release(ctx context.Context, address failover.VirtualAddress) error {
	if len(b.releaseCommand) == 0 {
		return nil
	}

	return runCommand(ctx, append(b.releaseCommand, string(address)))
}

func runCommand(ctx context.Context, command []string) error {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}

		return err
	}

	return nil
}
