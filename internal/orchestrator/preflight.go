package orchestrator

import (
	"context"
	"fmt"
)

// Preflight verifies a service is ready to migrate and provisions the
// replication user on the source. The returned map carries one entry per
// check ("ok" or a reason) plus a "pass" verdict.
func (o *Orchestrator) Preflight(ctx context.Context, service string) (map[string]any, error) {
	cfg, err := o.store.Get(service)
	if err != nil {
		return nil, err
	}
	status := map[string]any{}

	healthy, reason := o.cluster.CheckAppHealthy(ctx, cfg.Str("k8s-namespace"), cfg.Str("k8s-service"))
	if healthy {
		status["app"] = "ok"
	} else {
		status["app"] = reason
	}

	host := cfg.Str("aws-host")
	port, _ := cfg.Int("aws-port")
	if port == 0 {
		port = defaultPort
	}
	database := cfg.Str("database-name")
	master := cfg.Str("aws-master-username")
	if err := o.cluster.CheckConnection(ctx, host, port, database, master, cfg.Str("aws-master-password")); err != nil {
		status["rdsMaster"] = fmt.Sprintf("failed to connect to db %s/%s as %s: %v", host, database, master, err)
		status["pass"] = false
		return status, nil
	}
	status["rdsMaster"] = "ok"

	replPW, err := o.cluster.CreateReplicationUser(ctx,
		cfg.Str("aws-replication-username"), cfg.Str("aws-replication-password"),
		host, port, database, master, cfg.Str("aws-master-password"))
	if err != nil {
		status["rdsReplication"] = fmt.Sprintf("failed to create replication user %s/%s: %v", host, database, err)
	} else {
		status["rdsReplication"] = "ok"
		if replPW != "" && replPW != cfg.Str("aws-replication-password") {
			if err := o.store.Save(service, map[string]any{"aws-replication-password": replPW}); err != nil {
				return nil, err
			}
		}
	}

	pass := true
	for key, v := range status {
		if key == "pass" {
			continue
		}
		if v != "ok" {
			pass = false
		}
	}
	status["pass"] = pass
	return status, nil
}
