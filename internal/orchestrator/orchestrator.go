// Package orchestrator drives a single service through the migration phases:
// preflight checks, continuous replication via the managed migration service,
// cutover to the target, and post-migration cleanup. Every operation is
// idempotent against the config store; remote resources and the store are the
// only durable state.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/pgferry/pgferry/internal/cloud/gcp"
	"github.com/pgferry/pgferry/internal/config"
	"github.com/sethvargo/go-password/password"
	"google.golang.org/api/datamigration/v1"
)

const (
	defaultPort = 5432

	// mjPrefix and srcProfilePrefix name the migration job and the source
	// connection profile for a service.
	mjPrefix         = "auto-mj-"
	srcProfilePrefix = "src-"

	// cutoverSettleDelay gives the workloads time to finish restarting onto
	// the read-only target before promotion.
	cutoverSettleDelay = 120 * time.Second
)

// vpcNames maps the cluster environment to the shared-VPC host project and
// network names.
var vpcNames = map[string]struct{ Host, Base string }{
	"dev":     {Host: "prj-d-vpc-host", Base: "vpc-d-shared-base"},
	"staging": {Host: "prj-s-vpc-host", Base: "vpc-s-shared-base"},
	"prod":    {Host: "prj-p-vpc-host", Base: "vpc-p-shared-base"},
	"sb1":     {Host: "prj-sb-vpc-host", Base: "vpc-sb-shared-base"},
}

// envCode maps the cluster environment to the short code used in managed SQL
// instance names.
var envCode = map[string]string{
	"dev":     "d",
	"staging": "s",
	"prod":    "p",
	"sb1":     "sb",
}

// rdsRootPEM64 is the RDS root certificate presented by the source, from
// https://s3.amazonaws.com/rds-downloads/rds-ca-2019-root.pem.
const rdsRootPEM64 = "LS0tLS1CRUdJTiBDRVJUSUZJQ0FURS0tLS0tCk1JSUVCakNDQXU2Z0F3SUJBZ0lKQU1jMFp6YVNVSzUxTUEwR0NTcUdTSWIzRFFFQkN3VUFNSUdQTVFzd0NRWUQKVlFRR0V3SlZVekVRTUE0R0ExVUVCd3dIVTJWaGRIUnNaVEVUTUJFR0ExVUVDQXdLVjJGemFHbHVaM1J2YmpFaQpNQ0FHQTFVRUNnd1pRVzFoZW05dUlGZGxZaUJUWlhKMmFXTmxjeXdnU1c1akxqRVRNQkVHQTFVRUN3d0tRVzFoCmVtOXVJRkpFVXpFZ01CNEdBMVVFQXd3WFFXMWhlbTl1SUZKRVV5QlNiMjkwSURJd01Ua2dRMEV3SGhjTk1Ua3cKT0RJeU1UY3dPRFV3V2hjTk1qUXdPREl5TVRjd09EVXdXakNCanpFTE1Ba0dBMVVFQmhNQ1ZWTXhFREFPQmdOVgpCQWNNQjFObFlYUjBiR1V4RXpBUkJnTlZCQWdNQ2xkaGMyaHBibWQwYjI0eElqQWdCZ05WQkFvTUdVRnRZWHB2CmJpQlhaV0lnVTJWeWRtbGpaWE1zSUVsdVl5NHhFekFSQmdOVkJBc01Da0Z0WVhwdmJpQlNSRk14SURBZUJnTlYKQkFNTUYwRnRZWHB2YmlCU1JGTWdVbTl2ZENBeU1ERTVJRU5CTUlJQklqQU5CZ2txaGtpRzl3MEJBUUVGQUFPQwpBUThBTUlJQkNnS0NBUUVBclhuRi9FNi9RaCtrdTNoUVRTS1BNaFFRbENwb1d2bkl0aHpYNk1LM3A1YTBlWEtaCm9XSWpZY05ORzZVd0pqcDRmVVhsNmdscDUzSm9ibit0V05YODhkTkgybjhEVmJwcFN3U2NWRTJMcHVMKzk0dlkKMEVZRS9YeE43c3ZLZWE4WXZscnFrVUJLeXhMeFRqaCtVL0tyR09hSHh6OXYwbDZaTmxEYnVhWnczcUlXZEQvSQo2YU5iR2VSVVZ0cE02UCtiV0lveFZsL2NhUXlsUVM2Q0VZVWsrQ3BWeUpTa29wd0pselhUMDd0TW9ETDVXZ1g5Ck8wOEtWZ0ROejlxUC9JR3RBY1JkdVJjTmlvSDNFOXY5ODFRTzF6dC9HcGIyZjhOcUFqVVVDVVp6T25pajZteDkKTWNaKzljV1g4OENSelIwdlFPRFd1WnNjZ0kwOE52TTY5Rm4yU1FJREFRQUJvMk13WVRBT0JnTlZIUThCQWY4RQpCQU1DQVFZd0R3WURWUjBUQVFIL0JBVXdBd0VCL3pBZEJnTlZIUTRFRmdRVWMxOWcyTHpMQTVqMEt4YzBMalphCnBtRC92Qjh3SHdZRFZSMGpCQmd3Rm9BVWMxOWcyTHpMQTVqMEt4YzBMalphcG1EL3ZCOHdEUVlKS29aSWh2Y04KQVFFTEJRQURnZ0VCQUhBRzdXVG15anpQUklNODVyVmorZldIc0xJdnFwdzZET2JJak1Xb2twbGlDZU1JTlpGVgp5bmZnQktzZjFFeHdidkpOellGWFc2ZGlobmd1REc5Vk1QcGkydXAvY3RRVE44dG05bkRLT3kwOHVOWm9vZk1jCk5VWnhLQ0VrVktaditJTDRvSG9lYXl0OGVndHYzdWpKTTZWMTRBc3RNUTZTd3Z3dkE5M0VQL1VnMmU0V0FYSHUKY2JJMU5BYlVnVkRxcCtEUmRmdlprZ1lLcnlqVFdkLzArMWZTOFgxYkJaVld6bDdlaXJOVm5IYlNIMlpEcE51WQowU0JkOGRqNUY2bGQzdDU4eWRaYnJUSHplN0pKT2Q4aWp5U0FwNC9raXU5VWZaV3VUUEFCekRhL0RTZHo5RGsvCnpQVzRDWFh2aExtRTAyVEE5L0hlQ3czS0VISXdpY051RWZ3PQotLS0tLUVORCBDRVJUSUZJQ0FURS0tLS0tCg=="

// Sink receives the workflow's structured log lines.
type Sink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Target is the subset of the target-cloud client the workflows use.
type Target interface {
	ListProjects(ctx context.Context) (map[string]gcp.Project, error)
	UpsertConnectionProfile(ctx context.Context, project, region, id string, profile *datamigration.ConnectionProfile) error
	CreateMigrationJob(ctx context.Context, project, region, id string, job *datamigration.MigrationJob) error
	StartMigrationJob(ctx context.Context, project, region, id string) error
	GetDMSStatus(ctx context.Context, project, region, id string) (*gcp.JobStatus, error)
	PromoteDMSJob(ctx context.Context, project, region, id string) error
	DeleteDMSJob(ctx context.Context, project, region, id string) error
	DeleteConnectionProfile(ctx context.Context, name string) error
	GetInstanceName(ctx context.Context, project, region, jobID string) (string, error)
	GetHost(ctx context.Context, project, instance string) (string, error)
	CreateUser(ctx context.Context, project, instance, username, pw string) (string, error)
	DeleteInstance(ctx context.Context, project, instance string) error
}

// Cluster is the subset of the cluster adapter the workflows use.
type Cluster interface {
	CreateSecret(ctx context.Context, name, namespace string, fields map[string]string) error
	RestartWorkload(ctx context.Context, name, namespace string) error
	CheckAppHealthy(ctx context.Context, namespace, app string) (bool, string)
	PodsStatus(ctx context.Context, namespace, app string) (int, map[string]bool, []corev1.ContainerStatus, error)
	CheckConnection(ctx context.Context, host string, port int, database, username, pw string) error
	GrantAccess(ctx context.Context, host string, port int, database, username, pw, grantee string) error
	SetOwnerAllTables(ctx context.Context, host string, port int, database, username, pw, grantee string) error
	CreateReplicationUser(ctx context.Context, username, pw string, host string, port int, database, adminUser, adminPW string) (string, error)
}

// Orchestrator runs the migration workflows for services in one config
// store. One instance is built per task invocation; the instance-name
// timestamp is fixed at construction so retries within a task agree on the
// target instance name.
type Orchestrator struct {
	store   config.Store
	target  Target
	cluster Cluster
	log     Sink

	nowStr  string
	rdsCert string
}

// New builds an orchestrator around its collaborators.
func New(store config.Store, target Target, cluster Cluster, log Sink) (*Orchestrator, error) {
	cert, err := base64.StdEncoding.DecodeString(rdsRootPEM64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode embedded source root certificate: %w", err)
	}
	return &Orchestrator{
		store:   store,
		target:  target,
		cluster: cluster,
		log:     log,
		nowStr:  time.Now().Format("20060102t150405"),
		rdsCert: string(cert),
	}, nil
}

// instanceName conforms to the pattern provisioning expects,
// sql-{envCode}-p-{service}-{timestamp}.
func (o *Orchestrator) instanceName(service string, cfg *config.DbConfig) string {
	return fmt.Sprintf("sql-%s-p-%s-%s", envCode[cfg.Str("k8s-env")], service, o.nowStr)
}

// projectID resolves a project's display name to its id.
func (o *Orchestrator) projectID(ctx context.Context, displayName string) (string, error) {
	projects, err := o.target.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	p, ok := projects[displayName]
	if !ok {
		return "", fmt.Errorf("project %q is not visible to these credentials", displayName)
	}
	return p.ProjectID, nil
}

// jobLocation bundles the coordinates of a service's migration job.
type jobLocation struct {
	project string
	region  string
	jobID   string
}

func (o *Orchestrator) locateJob(ctx context.Context, service string, cfg *config.DbConfig) (jobLocation, error) {
	project, err := o.projectID(ctx, cfg.Str("gcp-project-name"))
	if err != nil {
		return jobLocation{}, err
	}
	return jobLocation{project: project, region: cfg.Str("gcp-instance-region"), jobID: mjPrefix + service}, nil
}

func (o *Orchestrator) describeJob(ctx context.Context, loc jobLocation) (*gcp.JobStatus, error) {
	return o.target.GetDMSStatus(ctx, loc.project, loc.region, loc.jobID)
}

// phaseOrder totally orders the replication phases for awaits. An
// unspecified phase sorts last so a finished job satisfies any target.
var phaseOrder = map[string]int{
	"FULL_DUMP":           2,
	"CDC":                 3,
	"PROMOTE_IN_PROGRESS": 4,
	"PHASE_UNSPECIFIED":   1000,
}

func phaseRank(phase string) int {
	if r, ok := phaseOrder[phase]; ok {
		return r
	}
	return -1
}

// awaitState polls the migration job until it reaches state, backing off
// 1s to 10s. A FAILED job aborts immediately.
func (o *Orchestrator) awaitState(ctx context.Context, service string, loc jobLocation, state string) error {
	status, err := o.describeJob(ctx, loc)
	if err != nil {
		return err
	}
	if status == nil {
		return fmt.Errorf("migration job for %s was not found", service)
	}
	o.log.Infof("state of job/%s: %s, target: %s", service, status.State, state)
	delay := time.Second
	for status.State != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 10*time.Second {
			delay = 10 * time.Second
		}
		if status, err = o.describeJob(ctx, loc); err != nil {
			return err
		}
		if status.State == "FAILED" {
			return fmt.Errorf("migration job for %s failed: %+v", service, status.Job)
		}
	}
	o.log.Infof("state of job/%s: %s", service, status.State)
	return nil
}

// awaitPhase polls until the job's phase reaches target by phase order. The
// job must be RUNNING throughout; COMPLETED short-circuits.
func (o *Orchestrator) awaitPhase(ctx context.Context, service string, loc jobLocation, target string) error {
	status, err := o.describeJob(ctx, loc)
	if err != nil {
		return err
	}
	if status == nil || status.State != "RUNNING" {
		return fmt.Errorf("migration job for %s is not RUNNING: %+v", service, status)
	}
	o.log.Infof("phase of job/%s: %s, target: %s", service, status.Phase, target)
	start := time.Now()
	delay := time.Second
	for phaseRank(status.Phase) < phaseRank(target) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 10*time.Second {
			delay = 10 * time.Second
		}
		if status, err = o.describeJob(ctx, loc); err != nil {
			return err
		}
		if status.State == "COMPLETED" {
			break
		}
		if status.State != "RUNNING" {
			return fmt.Errorf("migration job for %s is not RUNNING: %+v", service, status)
		}
	}
	o.log.Infof("phase of job/%s: %s after %s", service, status.Phase, time.Since(start).Round(time.Second))
	return nil
}

// grantAccess grants target-database privileges to a managed SQL user as the
// postgres root user.
func (o *Orchestrator) grantAccess(ctx context.Context, cfg *config.DbConfig, grantee string) error {
	return o.cluster.GrantAccess(ctx,
		cfg.Str("gcp-host"), defaultPort,
		cfg.Str("database-name"), "postgres", cfg.Str("gcp-root-password"), grantee)
}

// rootPassword generates the managed SQL root password: 12 alphanumeric
// characters, no symbols, repeats allowed.
func rootPassword() (string, error) {
	pw, err := password.Generate(12, 4, 0, false, true)
	if err != nil {
		return "", fmt.Errorf("failed to generate root password: %w", err)
	}
	return pw, nil
}

// lastSegment returns the final path component of a resource reference.
func lastSegment(ref string) string {
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}
