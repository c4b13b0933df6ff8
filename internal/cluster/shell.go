package cluster

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ShellExecutor runs the SQL steps by shelling into a psql proxy pod, for
// operators driving a migration from their workstation where the databases
// are not directly reachable.
type ShellExecutor struct {
	// Script is the helper library sourced before each command.
	Script string
	log    Sink
}

// NewShellExecutor returns an executor using the psql helper script.
func NewShellExecutor(log Sink) *ShellExecutor {
	return &ShellExecutor{Script: "psql-commands.sh", log: log}
}

func (e *ShellExecutor) run(ctx context.Context, fn string, args ...string) (string, error) {
	command := fmt.Sprintf("source %s; %s %s", e.Script, fn, strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, "bash", "-c", command).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s failed: %w: %s", fn, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// StartProxy launches the psql proxy pod and waits for it to be ready.
func (e *ShellExecutor) StartProxy(ctx context.Context) error {
	out, err := e.run(ctx, "_start_psql")
	if err != nil {
		return err
	}
	e.log.Debugf("proxy pod ready: %s", strings.TrimSpace(out))
	return nil
}

func connArgs(p ConnParams) []string {
	return []string{p.Host, fmt.Sprint(p.Port), p.Database, p.User, p.Password}
}

// CheckConnection verifies the endpoint accepts the credentials.
func (e *ShellExecutor) CheckConnection(ctx context.Context, p ConnParams) error {
	_, err := e.run(ctx, "_check_connection", connArgs(p)...)
	return err
}

// GrantAccess gives the grantee the privileges its role implies.
func (e *ShellExecutor) GrantAccess(ctx context.Context, p ConnParams, grantee string) error {
	_, err := e.run(ctx, "_grant_access_to_user", append(connArgs(p), grantee)...)
	return err
}

// SetOwnerAllTables makes the grantee the owner of every application table.
func (e *ShellExecutor) SetOwnerAllTables(ctx context.Context, p ConnParams, grantee string) error {
	_, err := e.run(ctx, "_set_owner_all_tables", append(connArgs(p), grantee)...)
	return err
}

// CreateReplicationUser is not supported through the proxy; the bootstrap
// command handles it before the orchestrator runs.
func (e *ShellExecutor) CreateReplicationUser(ctx context.Context, username, password string, p ConnParams) (string, error) {
	e.log.Warnf("create replication user is not available through the psql proxy, skipping")
	return "", nil
}
