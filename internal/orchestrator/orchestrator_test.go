package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"

	"github.com/pgferry/pgferry/internal/cloud/gcp"
	"github.com/pgferry/pgferry/internal/config"
	"google.golang.org/api/datamigration/v1"
)

type testSink struct{ lines []string }

func (s *testSink) Debugf(format string, args ...any) { s.add(format, args...) }
func (s *testSink) Infof(format string, args ...any)  { s.add(format, args...) }
func (s *testSink) Warnf(format string, args ...any)  { s.add(format, args...) }
func (s *testSink) Errorf(format string, args ...any) { s.add(format, args...) }
func (s *testSink) add(format string, args ...any)    { s.lines = append(s.lines, fmt.Sprintf(format, args...)) }

// memStore is an in-memory config.Store.
type memStore struct {
	configs map[string]map[string]any
	saves   []map[string]any
}

func newMemStore(services map[string]map[string]any) *memStore {
	return &memStore{configs: services}
}

func (s *memStore) Keys() []string {
	var keys []string
	for k := range s.configs {
		keys = append(keys, k)
	}
	return keys
}

func (s *memStore) Get(service string) (*config.DbConfig, error) {
	props, ok := s.configs[service]
	if !ok {
		return nil, fmt.Errorf("%q: %w", service, config.ErrNotFound)
	}
	return config.NewDbConfig(service, props), nil
}

func (s *memStore) Save(service string, patch map[string]any) error {
	props, ok := s.configs[service]
	if !ok {
		return fmt.Errorf("%q: %w", service, config.ErrNotFound)
	}
	for k, v := range patch {
		props[k] = v
	}
	s.saves = append(s.saves, patch)
	return nil
}

// fakeTarget records target-cloud calls and plays back a scripted sequence
// of job statuses.
type fakeTarget struct {
	projects  map[string]gcp.Project
	statusSeq []*gcp.JobStatus
	instance  string

	profiles        map[string]*datamigration.ConnectionProfile
	jobsCreated     []*datamigration.MigrationJob
	jobsStarted     int
	promoted        int
	usersCreated    []string
	deletedInstance []string
	deletedProfiles []string
	deletedJobs     []string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		projects: map[string]gcp.Project{
			"data-platform":  {ProjectID: "data-platform-123", Name: "data-platform"},
			"prj-d-vpc-host": {ProjectID: "vpc-host-456", Name: "prj-d-vpc-host"},
		},
		profiles: map[string]*datamigration.ConnectionProfile{},
	}
}

func (f *fakeTarget) ListProjects(ctx context.Context) (map[string]gcp.Project, error) {
	return f.projects, nil
}

func (f *fakeTarget) UpsertConnectionProfile(ctx context.Context, project, region, id string, p *datamigration.ConnectionProfile) error {
	f.profiles[id] = p
	return nil
}

func (f *fakeTarget) CreateMigrationJob(ctx context.Context, project, region, id string, job *datamigration.MigrationJob) error {
	f.jobsCreated = append(f.jobsCreated, job)
	return nil
}

func (f *fakeTarget) StartMigrationJob(ctx context.Context, project, region, id string) error {
	f.jobsStarted++
	return nil
}

func (f *fakeTarget) GetDMSStatus(ctx context.Context, project, region, id string) (*gcp.JobStatus, error) {
	if len(f.statusSeq) == 0 {
		return nil, nil
	}
	status := f.statusSeq[0]
	if len(f.statusSeq) > 1 {
		f.statusSeq = f.statusSeq[1:]
	}
	return status, nil
}

func (f *fakeTarget) PromoteDMSJob(ctx context.Context, project, region, id string) error {
	f.promoted++
	return nil
}

func (f *fakeTarget) DeleteDMSJob(ctx context.Context, project, region, id string) error {
	f.deletedJobs = append(f.deletedJobs, id)
	return nil
}

func (f *fakeTarget) DeleteConnectionProfile(ctx context.Context, name string) error {
	f.deletedProfiles = append(f.deletedProfiles, name)
	return nil
}

func (f *fakeTarget) GetInstanceName(ctx context.Context, project, region, jobID string) (string, error) {
	return f.instance, nil
}

func (f *fakeTarget) GetHost(ctx context.Context, project, instance string) (string, error) {
	return "10.10.0.7", nil
}

func (f *fakeTarget) CreateUser(ctx context.Context, project, instance, username, pw string) (string, error) {
	f.usersCreated = append(f.usersCreated, username)
	if pw == "" {
		pw = "generated-" + username
	}
	return pw, nil
}

func (f *fakeTarget) DeleteInstance(ctx context.Context, project, instance string) error {
	f.deletedInstance = append(f.deletedInstance, instance)
	return nil
}

type secretWrite struct {
	name   string
	fields map[string]string
}

// fakeCluster records cluster calls.
type fakeCluster struct {
	healthy    bool
	reason     string
	connectErr error

	secrets    []secretWrite
	restarts   []string
	owners     []string
	granted    []string
	replPW     string
	replCalled bool
}

func (f *fakeCluster) CreateSecret(ctx context.Context, name, namespace string, fields map[string]string) error {
	f.secrets = append(f.secrets, secretWrite{name: name, fields: fields})
	return nil
}

func (f *fakeCluster) RestartWorkload(ctx context.Context, name, namespace string) error {
	f.restarts = append(f.restarts, namespace+"/"+name)
	return nil
}

func (f *fakeCluster) CheckAppHealthy(ctx context.Context, namespace, app string) (bool, string) {
	return f.healthy, f.reason
}

func (f *fakeCluster) PodsStatus(ctx context.Context, namespace, app string) (int, map[string]bool, []corev1.ContainerStatus, error) {
	return 0, map[string]bool{"running": true}, nil, nil
}

func (f *fakeCluster) CheckConnection(ctx context.Context, host string, port int, database, username, pw string) error {
	return f.connectErr
}

func (f *fakeCluster) GrantAccess(ctx context.Context, host string, port int, database, username, pw, grantee string) error {
	f.granted = append(f.granted, grantee)
	return nil
}

func (f *fakeCluster) SetOwnerAllTables(ctx context.Context, host string, port int, database, username, pw, grantee string) error {
	f.owners = append(f.owners, grantee)
	return nil
}

func (f *fakeCluster) CreateReplicationUser(ctx context.Context, username, pw string, host string, port int, database, adminUser, adminPW string) (string, error) {
	f.replCalled = true
	if f.replPW != "" {
		return f.replPW, nil
	}
	return pw, nil
}

func serviceProps(strategy string) map[string]any {
	return map[string]any{
		"aws-host":                 "rds.example.com",
		"aws-port":                 5432,
		"aws-instance":             "billing-db",
		"aws-master-password":      "masterpw",
		"aws-replication-username": "gcp_replication",
		"aws-replication-password": "replpw",
		"aws-readonly-password":    "aws-ro",
		"aws-readwrite-password":   "aws-rw",
		"readwrite-secret-name":    "billing.billing.rw",
		"readonly-secret-name":     "billing.billing.ro",
		"gcp-project-name":         "data-platform",
		"gcp-instance-region":      "europe-west1",
		"gcp-instance-cpu":         2,
		"gcp-instance-mem":         8192,
		"gcp-instance-storage":     50,
		"gcp-disk-type":            "PD_SSD",
		"gcp-auto-storage-increase": true,
		"gcp-database-version":     "POSTGRES_12",
		"gcp-migration-strategy":   strategy,
		"k8s-env":                  "dev",
		"k8s-namespace":            "apps",
		"k8s-service":              "billing",
	}
}

func newTestOrchestrator(t *testing.T, store *memStore, target *fakeTarget, cl *fakeCluster) *Orchestrator {
	t.Helper()
	orc, err := New(store, target, cl, &testSink{})
	if err != nil {
		t.Fatal(err)
	}
	return orc
}

func running(phase string) *gcp.JobStatus {
	return &gcp.JobStatus{State: "RUNNING", Phase: phase, Job: &datamigration.MigrationJob{State: "RUNNING", Phase: phase}}
}

func completed() *gcp.JobStatus {
	return &gcp.JobStatus{State: "COMPLETED", Phase: "PHASE_UNSPECIFIED", Job: &datamigration.MigrationJob{
		State:       "COMPLETED",
		Source:      "projects/p/locations/r/connectionProfiles/src-billing",
		Destination: "projects/p/locations/r/connectionProfiles/sql-d-p-billing-20240101t000000",
	}}
}

func secretByName(secrets []secretWrite, name string) (secretWrite, bool) {
	var found secretWrite
	ok := false
	for _, s := range secrets {
		if s.name == name {
			found = s
			ok = true
		}
	}
	return found, ok
}

func TestSyncLocalStrategy(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{running("CDC")}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Sync(context.Background(), "billing"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Source profile carries the replication credentials and the pinned CA.
	src, ok := target.profiles["src-billing"]
	if !ok {
		t.Fatal("source connection profile was not created")
	}
	if src.Postgresql.Username != "gcp_replication" || src.Postgresql.Password != "replpw" {
		t.Errorf("source profile credentials = %s/%s", src.Postgresql.Username, src.Postgresql.Password)
	}
	if src.Postgresql.Ssl.Type != "SERVER_ONLY" || !strings.Contains(src.Postgresql.Ssl.CaCertificate, "BEGIN CERTIFICATE") {
		t.Errorf("source profile ssl misconfigured: %+v", src.Postgresql.Ssl)
	}

	// Destination profile settings follow the config.
	var dest *datamigration.ConnectionProfile
	for id, p := range target.profiles {
		if strings.HasPrefix(id, "sql-d-p-billing-") {
			dest = p
		}
	}
	if dest == nil {
		t.Fatalf("destination profile missing, got %v", target.profiles)
	}
	settings := dest.Cloudsql.Settings
	if settings.Tier != "db-custom-2-8192" {
		t.Errorf("tier = %q", settings.Tier)
	}
	if settings.DataDiskSizeGb != 50 || settings.DataDiskType != "PD_SSD" || !settings.AutoStorageIncrease {
		t.Errorf("disk settings = %+v", settings)
	}
	if len(settings.RootPassword) != 12 {
		t.Errorf("root password length = %d, want 12", len(settings.RootPassword))
	}
	if !strings.Contains(settings.IpConfig.PrivateNetwork, "vpc-host-456/global/networks/vpc-d-shared-base") {
		t.Errorf("private network = %q", settings.IpConfig.PrivateNetwork)
	}

	// Root password and target endpoint were persisted.
	cfg, _ := store.Get("billing")
	if cfg.Str("gcp-root-password") != settings.RootPassword {
		t.Error("gcp-root-password was not persisted")
	}
	if cfg.Str("gcp-host") != "10.10.0.7" {
		t.Errorf("gcp-host = %q", cfg.Str("gcp-host"))
	}

	if len(target.jobsCreated) != 1 || target.jobsCreated[0].Type != "CONTINUOUS" {
		t.Fatalf("jobs created = %+v", target.jobsCreated)
	}
	if target.jobsStarted != 1 {
		t.Errorf("job started %d times", target.jobsStarted)
	}
	if len(target.usersCreated) != 2 {
		t.Errorf("users created = %v", target.usersCreated)
	}
	if len(cl.granted) != 2 || cl.granted[0] != "readwrite" || cl.granted[1] != "readonly" {
		t.Errorf("grants = %v", cl.granted)
	}

	// Local strategy blocks target writes: the rw secret carries the
	// readonly user pointed at the target host.
	rw, ok := secretByName(cl.secrets, "billing.billing.rw")
	if !ok {
		t.Fatal("readwrite secret was not written")
	}
	if rw.fields["username"] != "readonly" || rw.fields["host"] != "10.10.0.7" {
		t.Errorf("rw secret = %+v", rw.fields)
	}
	if len(cl.restarts) != 1 || cl.restarts[0] != "apps/billing" {
		t.Errorf("restarts = %v", cl.restarts)
	}
}

func TestSyncRemoteStrategySecretsPointAtSource(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("remote")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{running("CDC")}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Sync(context.Background(), "billing"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	rw, ok := secretByName(cl.secrets, "billing.billing.rw")
	if !ok {
		t.Fatal("readwrite secret was not written")
	}
	if rw.fields["username"] != "readwrite" || rw.fields["password"] != "aws-rw" || rw.fields["host"] != "rds.example.com" {
		t.Errorf("rw secret = %+v", rw.fields)
	}
}

func TestSyncSkipsExistingInstance(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.instance = "sql-d-p-billing-20240101t000000"
	target.statusSeq = []*gcp.JobStatus{running("CDC")}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Sync(context.Background(), "billing"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(target.profiles) != 1 {
		t.Errorf("only the source profile should be upserted, got %v", len(target.profiles))
	}
	for _, patch := range store.saves {
		if _, ok := patch["gcp-root-password"]; ok {
			t.Error("root password must not be regenerated for an existing instance")
		}
	}
}

func TestSyncFailsFastOnFailedJob(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{
		{State: "CREATING", Phase: "", Job: &datamigration.MigrationJob{}},
		{State: "FAILED", Phase: "", Job: &datamigration.MigrationJob{}},
	}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	err := orc.Sync(context.Background(), "billing")
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("Sync = %v, want failure on FAILED job", err)
	}
}

func TestAwaitPhaseCompletedShortCircuits(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{running("FULL_DUMP"), completed()}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	loc := jobLocation{project: "data-platform-123", region: "europe-west1", jobID: "auto-mj-billing"}
	if err := orc.awaitPhase(context.Background(), "billing", loc, "CDC"); err != nil {
		t.Fatalf("awaitPhase: %v", err)
	}
}

func TestPhaseOrdering(t *testing.T) {
	order := []string{"FULL_DUMP", "CDC", "PROMOTE_IN_PROGRESS", "PHASE_UNSPECIFIED"}
	for i := 1; i < len(order); i++ {
		if phaseRank(order[i-1]) >= phaseRank(order[i]) {
			t.Errorf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if phaseRank("unknown") >= phaseRank("FULL_DUMP") {
		t.Error("unknown phases should rank below all real phases")
	}
}

func TestCutoverAlreadyCompleted(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{completed()}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Cutover(context.Background(), "billing"); err != nil {
		t.Fatalf("Cutover on completed job should be a no-op: %v", err)
	}
	if target.promoted != 0 || len(cl.secrets) != 0 {
		t.Errorf("completed job must not trigger promotion or secret writes")
	}
}

func TestCutoverRejectsWrongPhase(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{
		{State: "NOT_STARTED", Phase: "FULL_DUMP", Job: &datamigration.MigrationJob{}},
	}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Cutover(context.Background(), "billing"); err == nil {
		t.Fatal("Cutover outside CDC should fail")
	}
}

func TestCutoverLocalStrategy(t *testing.T) {
	props := serviceProps("local")
	props["gcp-host"] = "10.10.0.7"
	props["gcp-port"] = 5432
	props["gcp-readonly-password"] = "gcp-ro"
	props["gcp-readwrite-password"] = "gcp-rw"
	props["gcp-root-password"] = "rootpw"
	store := newMemStore(map[string]map[string]any{"billing": props})

	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{
		running("CDC"), // precondition check
		running("CDC"), // promote check
		completed(),    // await COMPLETED
	}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Cutover(context.Background(), "billing"); err != nil {
		t.Fatalf("Cutover: %v", err)
	}
	if target.promoted != 1 {
		t.Errorf("promoted %d times, want 1", target.promoted)
	}
	rw, ok := secretByName(cl.secrets, "billing.billing.rw")
	if !ok {
		t.Fatal("cutover readwrite secret missing")
	}
	if rw.fields["username"] != "readwrite" || rw.fields["password"] != "gcp-rw" {
		t.Errorf("rw secret after cutover = %+v", rw.fields)
	}
	if len(cl.owners) != 1 || cl.owners[0] != "readwrite" {
		t.Errorf("owner changes = %v", cl.owners)
	}
	if len(cl.restarts) != 1 {
		t.Errorf("restarts = %v", cl.restarts)
	}
}

func TestCleanupRequiresCompletion(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{running("CDC")}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Cleanup(context.Background(), "billing"); err != nil {
		t.Fatalf("Cleanup on running job should log and return: %v", err)
	}
	if len(target.deletedInstance) != 0 || len(target.deletedJobs) != 0 {
		t.Error("running job must not be cleaned up")
	}
}

func TestCleanupDeletesArtifacts(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	target := newFakeTarget()
	target.statusSeq = []*gcp.JobStatus{completed()}
	cl := &fakeCluster{}
	orc := newTestOrchestrator(t, store, target, cl)

	if err := orc.Cleanup(context.Background(), "billing"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(target.deletedInstance) != 1 || target.deletedInstance[0] != "sql-d-p-billing-20240101t000000-master" {
		t.Errorf("deleted instances = %v", target.deletedInstance)
	}
	if len(target.deletedProfiles) != 1 || !strings.HasSuffix(target.deletedProfiles[0], "src-billing") {
		t.Errorf("deleted profiles = %v", target.deletedProfiles)
	}
	if len(target.deletedJobs) != 1 || target.deletedJobs[0] != "auto-mj-billing" {
		t.Errorf("deleted jobs = %v", target.deletedJobs)
	}
}

func TestPreflightHappyPath(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	cl := &fakeCluster{healthy: true, replPW: "fresh-repl-pw"}
	orc := newTestOrchestrator(t, store, newFakeTarget(), cl)

	status, err := orc.Preflight(context.Background(), "billing")
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if status["pass"] != true {
		t.Fatalf("status = %+v", status)
	}
	cfg, _ := store.Get("billing")
	if cfg.Str("aws-replication-password") != "fresh-repl-pw" {
		t.Error("new replication password was not persisted")
	}
}

func TestPreflightConnectionFailureShortCircuits(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	cl := &fakeCluster{healthy: true, connectErr: errors.New("no route to host")}
	orc := newTestOrchestrator(t, store, newFakeTarget(), cl)

	status, err := orc.Preflight(context.Background(), "billing")
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if status["pass"] != false {
		t.Fatalf("status = %+v", status)
	}
	if cl.replCalled {
		t.Error("replication user must not be touched when the master connection fails")
	}
}

func TestPreflightUnhealthyApp(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	cl := &fakeCluster{healthy: false, reason: "statefulset or deployment apps/billing does not exist"}
	orc := newTestOrchestrator(t, store, newFakeTarget(), cl)

	status, err := orc.Preflight(context.Background(), "billing")
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if status["pass"] != false {
		t.Errorf("unhealthy app should fail preflight: %+v", status)
	}
	if status["app"] == "ok" {
		t.Errorf("app status = %v", status["app"])
	}
}

func TestInstanceNameShape(t *testing.T) {
	store := newMemStore(map[string]map[string]any{"billing": serviceProps("local")})
	orc := newTestOrchestrator(t, store, newFakeTarget(), &fakeCluster{})
	cfg, _ := store.Get("billing")
	name := orc.instanceName("billing", cfg)
	if !strings.HasPrefix(name, "sql-d-p-billing-") {
		t.Errorf("instance name = %q", name)
	}
	if len(name) != len("sql-d-p-billing-")+len("20060102t150405") {
		t.Errorf("instance name timestamp malformed: %q", name)
	}
}
