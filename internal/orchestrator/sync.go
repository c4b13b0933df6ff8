package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/api/datamigration/v1"
)

// Sync provisions the migration job and its endpoints, points the service's
// secrets at the right database for its strategy, and waits for continuous
// replication to reach the CDC phase.
func (o *Orchestrator) Sync(ctx context.Context, service string) error {
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}

	if err := o.createConnectionProfiles(ctx, service); err != nil {
		return err
	}
	if err := o.createDMSJob(ctx, service); err != nil {
		return err
	}

	o.log.Debugf("migrating %s using strategy %q", service, cfg.Str("gcp-migration-strategy"))
	if err := o.createDBUsers(ctx, service); err != nil {
		return err
	}
	if err := o.createSyncSecrets(ctx, service, false); err != nil {
		return err
	}
	if err := o.cluster.RestartWorkload(ctx, cfg.Str("k8s-service"), cfg.Str("k8s-namespace")); err != nil {
		return err
	}

	loc, err := o.locateJob(ctx, service, cfg)
	if err != nil {
		return err
	}
	if err := o.awaitState(ctx, service, loc, "RUNNING"); err != nil {
		return err
	}
	o.log.Infof("job running, await database CDC phase")
	if err := o.awaitPhase(ctx, service, loc, "CDC"); err != nil {
		return err
	}
	o.log.Infof("CDC phase reached, sync complete, ready to cutover")
	return nil
}

// createConnectionProfiles upserts the source profile and, unless the target
// instance already exists for this job, creates the destination profile that
// materializes the managed SQL instance.
func (o *Orchestrator) createConnectionProfiles(ctx context.Context, service string) error {
	o.log.Infof("creating connection profiles for %s", service)
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}
	loc, err := o.locateJob(ctx, service, cfg)
	if err != nil {
		return err
	}

	sourceID := srcProfilePrefix + service
	awsPort, _ := cfg.Int("aws-port")
	source := &datamigration.ConnectionProfile{
		DisplayName: sourceID,
		Postgresql: &datamigration.PostgreSqlConnectionProfile{
			Host:     cfg.Str("aws-host"),
			Port:     int64(awsPort),
			Username: cfg.Str("aws-replication-username"),
			Password: cfg.Str("aws-replication-password"),
			Ssl: &datamigration.SslConfig{
				Type:          "SERVER_ONLY",
				CaCertificate: o.rdsCert,
			},
		},
	}
	if err := o.target.UpsertConnectionProfile(ctx, loc.project, loc.region, sourceID, source); err != nil {
		return err
	}

	existing, err := o.target.GetInstanceName(ctx, loc.project, loc.region, loc.jobID)
	if err != nil {
		return err
	}
	if existing != "" {
		o.log.Infof("cloud SQL destination instance for %s already created: %s", service, existing)
		return nil
	}

	destID := o.instanceName(service, cfg)
	rootPW, err := rootPassword()
	if err != nil {
		return err
	}
	cpu := cfg.Str("gcp-instance-cpu")
	mem := cfg.Str("gcp-instance-mem")
	o.log.Debugf("%s cpu: %s, mem: %s", destID, cpu, mem)

	vpc, ok := vpcNames[cfg.Str("k8s-env")]
	if !ok {
		return fmt.Errorf("unknown environment %q", cfg.Str("k8s-env"))
	}
	vpcHostID, err := o.projectID(ctx, vpc.Host)
	if err != nil {
		return err
	}
	storage, _ := cfg.Int("gcp-instance-storage")
	autoIncrease := cfg.Bool("gcp-auto-storage-increase")
	dest := &datamigration.ConnectionProfile{
		DisplayName: destID,
		Cloudsql: &datamigration.CloudSqlConnectionProfile{
			Settings: &datamigration.CloudSqlSettings{
				AutoStorageIncrease: autoIncrease,
				DataDiskType:        cfg.Str("gcp-disk-type"),
				RootPassword:        rootPW,
				DatabaseVersion:     cfg.Str("gcp-database-version"),
				Tier:                fmt.Sprintf("db-custom-%s-%s", cpu, mem),
				DataDiskSizeGb:      int64(storage),
				SourceId:            fmt.Sprintf("projects/%s/locations/%s/connectionProfiles/%s", loc.project, loc.region, sourceID),
				IpConfig: &datamigration.SqlIpConfig{
					EnableIpv4: false,
					PrivateNetwork: fmt.Sprintf(
						"https://www.googleapis.com/compute/v1/projects/%s/global/networks/%s", vpcHostID, vpc.Base),
					ForceSendFields: []string{"EnableIpv4"},
				},
			},
		},
	}
	if err := o.target.UpsertConnectionProfile(ctx, loc.project, loc.region, destID, dest); err != nil {
		return err
	}
	if err := o.store.Save(service, map[string]any{"gcp-root-password": rootPW}); err != nil {
		return err
	}

	host, err := o.target.GetHost(ctx, loc.project, destID)
	if err != nil {
		return err
	}
	return o.cluster.CreateSecret(ctx, cfg.Str("gcp-rootuser-secret-name"), cfg.Str("k8s-namespace"), map[string]string{
		"username": "postgres",
		"password": rootPW,
		"dbname":   "postgres",
		"host":     host,
		"port":     strconv.Itoa(defaultPort),
	})
}

// createDMSJob creates and starts the continuous migration job between the
// two connection profiles. An existing job is left as is.
func (o *Orchestrator) createDMSJob(ctx context.Context, service string) error {
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}
	o.log.Infof("creating dms job for %s", service)
	loc, err := o.locateJob(ctx, service, cfg)
	if err != nil {
		return err
	}
	vpc, ok := vpcNames[cfg.Str("k8s-env")]
	if !ok {
		return fmt.Errorf("unknown environment %q", cfg.Str("k8s-env"))
	}
	vpcHostID, err := o.projectID(ctx, vpc.Host)
	if err != nil {
		return err
	}

	destID, err := o.target.GetInstanceName(ctx, loc.project, loc.region, loc.jobID)
	if err != nil {
		return err
	}
	if destID == "" {
		destID = o.instanceName(service, cfg)
	}
	job := &datamigration.MigrationJob{
		Type:        "CONTINUOUS",
		Source:      fmt.Sprintf("projects/%s/locations/%s/connectionProfiles/%s%s", loc.project, loc.region, srcProfilePrefix, service),
		Destination: fmt.Sprintf("projects/%s/locations/%s/connectionProfiles/%s", loc.project, loc.region, destID),
		DestinationDatabase: &datamigration.DatabaseType{
			Provider: "CLOUDSQL",
			Engine:   "POSTGRESQL",
		},
		VpcPeeringConnectivity: &datamigration.VpcPeeringConnectivity{
			Vpc: fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/global/networks/%s", vpcHostID, vpc.Base),
		},
	}
	if err := o.target.CreateMigrationJob(ctx, loc.project, loc.region, loc.jobID, job); err != nil {
		return err
	}
	return o.target.StartMigrationJob(ctx, loc.project, loc.region, loc.jobID)
}

// createDBUsers provisions the readonly and readwrite users on the target
// instance, persists the credentials and endpoint, and grants both users
// access. Table ownership stays with the migration user until cutover.
func (o *Orchestrator) createDBUsers(ctx context.Context, service string) error {
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}
	loc, err := o.locateJob(ctx, service, cfg)
	if err != nil {
		return err
	}
	instance, err := o.target.GetInstanceName(ctx, loc.project, loc.region, loc.jobID)
	if err != nil {
		return err
	}
	if instance == "" {
		instance = o.instanceName(service, cfg)
	}

	roPW, err := o.target.CreateUser(ctx, loc.project, instance, "readonly", cfg.Str("gcp-readonly-password"))
	if err != nil {
		return err
	}
	rwPW, err := o.target.CreateUser(ctx, loc.project, instance, "readwrite", cfg.Str("gcp-readwrite-password"))
	if err != nil {
		return err
	}
	host, err := o.target.GetHost(ctx, loc.project, instance)
	if err != nil {
		return err
	}
	if err := o.store.Save(service, map[string]any{
		"gcp-readonly-password":  roPW,
		"gcp-readwrite-password": rwPW,
		"gcp-host":               host,
		"gcp-port":               defaultPort,
	}); err != nil {
		return err
	}

	// Reload so the grants see the endpoint just saved.
	if cfg, err = o.store.Get(service); err != nil {
		return err
	}
	if err := o.grantAccess(ctx, cfg, "readwrite"); err != nil {
		return err
	}
	return o.grantAccess(ctx, cfg, "readonly")
}

// createSyncSecrets writes the service's database secrets for the
// replication phase. Local-strategy services point at the target with the
// readwrite secret deliberately carrying the readonly user, so nothing can
// write to the target before promotion. Remote-strategy services keep
// pointing at the source. forceLocal flips a remote service onto the target
// during cutover.
func (o *Orchestrator) createSyncSecrets(ctx context.Context, service string, forceLocal bool) error {
	cfg, err := o.store.Get(service)
	if err != nil {
		return err
	}
	namespace := cfg.Str("k8s-namespace")
	dbname := cfg.Str("database-name")

	var host, port, rwUsername, rwPassword, roPassword string
	if forceLocal || cfg.Str("gcp-migration-strategy") == "local" {
		host = cfg.Str("gcp-host")
		port = cfg.Str("gcp-port")
		rwUsername = "readonly"
		rwPassword = cfg.Str("gcp-readonly-password")
		roPassword = cfg.Str("gcp-readonly-password")
	} else {
		host = cfg.Str("aws-host")
		port = cfg.Str("aws-port")
		rwUsername = "readwrite"
		rwPassword = cfg.Str("aws-readwrite-password")
		roPassword = cfg.Str("aws-readonly-password")
	}

	if err := o.cluster.CreateSecret(ctx, cfg.Str("readwrite-secret-name"), namespace, map[string]string{
		"username": rwUsername,
		"password": rwPassword,
		"dbname":   dbname,
		"host":     host,
		"port":     port,
	}); err != nil {
		return err
	}
	return o.cluster.CreateSecret(ctx, cfg.Str("readonly-secret-name"), namespace, map[string]string{
		"username": "readonly",
		"password": roPassword,
		"dbname":   dbname,
		"host":     host,
		"port":     port,
	})
}
