package orchestrator

import (
	"context"
)

// Cleanup deletes the migration artifacts of a completed job: the reference
// instance the migration service keeps around after promotion, the source
// connection profile, and the job itself. Deletions are best effort; a
// failure is logged and the rest proceeds.
func (o *Orchestrator) Cleanup(ctx context.Context, service string) error {
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}
	loc, err := o.locateJob(ctx, service, cfg)
	if err != nil {
		return err
	}
	status, err := o.describeJob(ctx, loc)
	if err != nil {
		return err
	}
	if status == nil {
		o.log.Warnf("job for service %s was not found, exiting", service)
		return nil
	}
	if status.State != "COMPLETED" {
		o.log.Warnf("job for service %s was not COMPLETED, exiting", service)
		return nil
	}

	refInstance := lastSegment(status.Job.Destination) + "-master"
	o.log.Infof("deleting db ref %s", refInstance)
	if err := o.target.DeleteInstance(ctx, loc.project, refInstance); err != nil {
		o.log.Warnf("unable to delete sql instance %q: %v", refInstance, err)
	}

	o.log.Infof("deleting profile %s", status.Job.Source)
	if err := o.target.DeleteConnectionProfile(ctx, status.Job.Source); err != nil {
		o.log.Warnf("unable to delete source connection profile %q: %v", status.Job.Source, err)
	}

	o.log.Infof("deleting job %s", loc.jobID)
	if err := o.target.DeleteDMSJob(ctx, loc.project, loc.region, loc.jobID); err != nil {
		o.log.Warnf("unable to delete dms job %s: %v", loc.jobID, err)
	}
	return nil
}
