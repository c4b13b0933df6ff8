package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Cutover promotes the target to primary and flips the service's secrets to
// the real readwrite credentials. Requires the job to be in the CDC phase; a
// COMPLETED job means the cutover already happened and returns immediately.
func (o *Orchestrator) Cutover(ctx context.Context, service string) error {
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}
	app := cfg.Str("k8s-service")
	namespace := cfg.Str("k8s-namespace")

	loc, err := o.locateJob(ctx, service, cfg)
	if err != nil {
		return err
	}
	status, err := o.describeJob(ctx, loc)
	if err != nil {
		return err
	}
	if status == nil {
		return fmt.Errorf("migration job for %s was not found", service)
	}
	if status.State == "COMPLETED" {
		o.log.Infof("job already completed, exiting")
		return nil
	}
	if status.State != "RUNNING" && status.Phase != "CDC" {
		return fmt.Errorf("%s dms state: %s/%s, but expecting CDC mode", service, status.State, status.Phase)
	}

	if cfg.Str("gcp-migration-strategy") == "remote" {
		// Flip the app onto the read-only target first so no new writes
		// reach the source while replication drains.
		if err := o.createSyncSecrets(ctx, service, true); err != nil {
			return err
		}
		if err := o.cluster.RestartWorkload(ctx, app, namespace); err != nil {
			return err
		}
		o.log.Infof("waiting 2m for service to restart")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cutoverSettleDelay):
		}
	}

	if err := o.createCutoverSecrets(ctx, service); err != nil {
		return err
	}
	promoted, err := o.promoteDMSJob(ctx, service, loc)
	if err != nil {
		return err
	}
	if !promoted {
		return fmt.Errorf("dms job for service %s was not promoted", service)
	}

	o.log.Infof("await job completion for %s", service)
	if err := o.awaitState(ctx, service, loc, "COMPLETED"); err != nil {
		return err
	}

	o.log.Infof("job/%s complete, doing final setup", service)
	if err := o.cluster.SetOwnerAllTables(ctx,
		cfg.Str("gcp-host"), defaultPort,
		cfg.Str("database-name"), "postgres", cfg.Str("gcp-root-password"), "readwrite"); err != nil {
		return err
	}
	if err := o.cluster.RestartWorkload(ctx, app, namespace); err != nil {
		return err
	}
	o.log.Infof("cutover for %s complete. %s is restarting", service, app)
	return nil
}

// promoteDMSJob promotes the job when it sits in the CDC phase. An already
// completed job counts as promoted.
func (o *Orchestrator) promoteDMSJob(ctx context.Context, service string, loc jobLocation) (bool, error) {
	status, err := o.describeJob(ctx, loc)
	if err != nil {
		return false, err
	}
	if status == nil || status.State == "COMPLETED" {
		o.log.Warnf("promotion already done for %s", service)
		return true, nil
	}
	if status.Phase == "CDC" {
		if err := o.target.PromoteDMSJob(ctx, loc.project, loc.region, loc.jobID); err != nil {
			return false, err
		}
		return true, nil
	}
	o.log.Warnf("not ready to promote job %s: %s/%s", service, status.State, status.Phase)
	return false, nil
}

// createCutoverSecrets writes the final secrets: real credentials for both
// users, pointing at the promoted target.
func (o *Orchestrator) createCutoverSecrets(ctx context.Context, service string) error {
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}
	if err := o.cluster.CreateSecret(ctx, cfg.Str("readwrite-secret-name"), cfg.Str("k8s-namespace"), map[string]string{
		"username": "readwrite",
		"password": cfg.Str("gcp-readwrite-password"),
		"dbname":   cfg.Str("database-name"),
		"host":     cfg.Str("gcp-host"),
		"port":     cfg.Str("gcp-port"),
	}); err != nil {
		return err
	}
	return o.cluster.CreateSecret(ctx, cfg.Str("readonly-secret-name"), cfg.Str("k8s-namespace"), map[string]string{
		"username": "readonly",
		"password": cfg.Str("gcp-readonly-password"),
		"dbname":   cfg.Str("database-name"),
		"host":     cfg.Str("gcp-host"),
		"port":     cfg.Str("gcp-port"),
	})
}
