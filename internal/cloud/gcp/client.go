// Package gcp wraps the Google APIs the migration relies on: Cloud Resource
// Manager for project lookup, Database Migration Service for replication
// jobs, and the Cloud SQL admin API for instances and users.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/datamigration/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"

	"github.com/pgferry/pgferry/internal/pkg/logger"
)

// JobStatus is the observed state of a DMS migration job.
type JobStatus struct {
	State string
	Phase string
	Job   *datamigration.MigrationJob
}

// Client talks to the target-cloud APIs.
type Client struct {
	projects *cloudresourcemanager.Service
	dms      *datamigration.Service
	sql      *sqladmin.Service
}

// NewClient builds a client using application default credentials.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	projects, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager client: %w", err)
	}
	dms, err := datamigration.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create database migration client: %w", err)
	}
	sql, err := sqladmin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqladmin client: %w", err)
	}
	return &Client{projects: projects, dms: dms, sql: sql}, nil
}

// Project holds the subset of project metadata the orchestrator needs.
type Project struct {
	ProjectID string
	Name      string
}

// ListProjects returns all visible projects keyed by display name.
func (c *Client) ListProjects(ctx context.Context) (map[string]Project, error) {
	out := map[string]Project{}
	err := c.projects.Projects.List().Pages(ctx, func(resp *cloudresourcemanager.ListProjectsResponse) error {
		for _, p := range resp.Projects {
			out[p.Name] = Project{ProjectID: p.ProjectId, Name: p.Name}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return out, nil
}

func parent(project, region string) string {
	return fmt.Sprintf("projects/%s/locations/%s", project, region)
}

func profileName(project, region, id string) string {
	return fmt.Sprintf("%s/connectionProfiles/%s", parent(project, region), id)
}

func jobName(project, region, id string) string {
	return fmt.Sprintf("%s/migrationJobs/%s", parent(project, region), id)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

func isConflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 409
}

// UpsertConnectionProfile creates the profile, or patches it when it already
// exists, and waits for the operation to settle.
func (c *Client) UpsertConnectionProfile(ctx context.Context, project, region, id string, profile *datamigration.ConnectionProfile) error {
	name := profileName(project, region, id)
	_, err := c.dms.Projects.Locations.ConnectionProfiles.Get(name).Context(ctx).Do()
	if err == nil {
		logger.Debug("connection profile exists, patching", "profile", name)
		op, err := c.dms.Projects.Locations.ConnectionProfiles.Patch(name, profile).UpdateMask("*").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to patch connection profile %s: %w", id, err)
		}
		return c.awaitOperation(ctx, op.Name)
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to look up connection profile %s: %w", id, err)
	}
	op, err := c.dms.Projects.Locations.ConnectionProfiles.Create(parent(project, region), profile).
		ConnectionProfileId(id).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to create connection profile %s: %w", id, err)
	}
	return c.awaitOperation(ctx, op.Name)
}

// CreateMigrationJob creates the DMS job and waits for creation to settle.
// An already-existing job is not an error.
func (c *Client) CreateMigrationJob(ctx context.Context, project, region, id string, job *datamigration.MigrationJob) error {
	op, err := c.dms.Projects.Locations.MigrationJobs.Create(parent(project, region), job).
		MigrationJobId(id).Context(ctx).Do()
	if err != nil {
		if isConflict(err) {
			logger.Debug("migration job already exists", "job", id)
			return nil
		}
		return fmt.Errorf("failed to create migration job %s: %w", id, err)
	}
	return c.awaitOperation(ctx, op.Name)
}

// StartMigrationJob starts a created job.
func (c *Client) StartMigrationJob(ctx context.Context, project, region, id string) error {
	_, err := c.dms.Projects.Locations.MigrationJobs.Start(jobName(project, region, id),
		&datamigration.StartMigrationJobRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to start migration job %s: %w", id, err)
	}
	return nil
}

// GetDMSStatus returns the job's state and phase, or nil when the job does
// not exist.
func (c *Client) GetDMSStatus(ctx context.Context, project, region, id string) (*JobStatus, error) {
	job, err := c.dms.Projects.Locations.MigrationJobs.Get(jobName(project, region, id)).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe migration job %s: %w", id, err)
	}
	return &JobStatus{State: job.State, Phase: job.Phase, Job: job}, nil
}

// PromoteDMSJob promotes the destination Cloud SQL instance to primary.
func (c *Client) PromoteDMSJob(ctx context.Context, project, region, id string) error {
	_, err := c.dms.Projects.Locations.MigrationJobs.Promote(jobName(project, region, id),
		&datamigration.PromoteMigrationJobRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to promote migration job %s: %w", id, err)
	}
	return nil
}

// DeleteDMSJob deletes the migration job and waits for the deletion.
func (c *Client) DeleteDMSJob(ctx context.Context, project, region, id string) error {
	op, err := c.dms.Projects.Locations.MigrationJobs.Delete(jobName(project, region, id)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to delete migration job %s: %w", id, err)
	}
	return c.awaitOperation(ctx, op.Name)
}

// DeleteConnectionProfile deletes a profile by its full resource name.
func (c *Client) DeleteConnectionProfile(ctx context.Context, name string) error {
	op, err := c.dms.Projects.Locations.ConnectionProfiles.Delete(name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to delete connection profile %s: %w", name, err)
	}
	return c.awaitOperation(ctx, op.Name)
}

// GetInstanceName derives the destination Cloud SQL instance name from the
// migration job's destination reference. Returns "" when the job (or its
// destination) does not exist yet.
func (c *Client) GetInstanceName(ctx context.Context, project, region, jobID string) (string, error) {
	status, err := c.GetDMSStatus(ctx, project, region, jobID)
	if err != nil {
		return "", err
	}
	if status == nil || status.Job == nil || status.Job.Destination == "" {
		return "", nil
	}
	parts := strings.Split(status.Job.Destination, "/")
	return parts[len(parts)-1], nil
}

// GetHost returns the instance's address, preferring the private IP.
func (c *Client) GetHost(ctx context.Context, project, instance string) (string, error) {
	inst, err := c.sql.Instances.Get(project, instance).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to describe instance %s: %w", instance, err)
	}
	var fallback string
	for _, addr := range inst.IpAddresses {
		if addr.Type == "PRIVATE" {
			return addr.IpAddress, nil
		}
		if fallback == "" {
			fallback = addr.IpAddress
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("instance %s has no assigned addresses", instance)
	}
	return fallback, nil
}

// CreateUser creates a managed SQL user, generating a password when none is
// supplied. An existing user has its password set instead, so the call is
// idempotent per (instance, username) as long as the caller persists the
// returned password.
func (c *Client) CreateUser(ctx context.Context, project, instance, username, password string) (string, error) {
	if password == "" {
		password = uuid.NewString()
	}
	user := &sqladmin.User{Name: username, Password: password}
	_, err := c.sql.Users.Insert(project, instance, user).Context(ctx).Do()
	if err != nil {
		if !isConflict(err) && !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("failed to create user %s on %s: %w", username, instance, err)
		}
		logger.Debug("user exists, updating password", "instance", instance, "user", username)
		if _, err := c.sql.Users.Update(project, instance, user).Name(username).Context(ctx).Do(); err != nil {
			return "", fmt.Errorf("failed to update user %s on %s: %w", username, instance, err)
		}
	}
	return password, nil
}

// DeleteInstance deletes a managed SQL instance.
func (c *Client) DeleteInstance(ctx context.Context, project, instance string) error {
	if _, err := c.sql.Instances.Delete(project, instance).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", instance, err)
	}
	return nil
}

// awaitOperation polls a DMS long-running operation until done.
func (c *Client) awaitOperation(ctx context.Context, name string) error {
	delay := time.Second
	for {
		op, err := c.dms.Projects.Locations.Operations.Get(name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to poll operation %s: %w", name, err)
		}
		if op.Done {
			if op.Error != nil {
				return fmt.Errorf("operation %s failed: %s", name, op.Error.Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
}
