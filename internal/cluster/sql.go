package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConnParams identifies one database endpoint.
type ConnParams struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

func (p ConnParams) dsn() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		p.Host, p.Port, p.Database, p.User, p.Password)
}

// SQLExecutor runs the SQL-level migration steps. The direct executor
// connects straight to the database; the shell executor tunnels the same
// statements through a proxy pod's psql.
type SQLExecutor interface {
	CheckConnection(ctx context.Context, p ConnParams) error
	GrantAccess(ctx context.Context, p ConnParams, grantee string) error
	SetOwnerAllTables(ctx context.Context, p ConnParams, grantee string) error
	CreateReplicationUser(ctx context.Context, username, password string, p ConnParams) (string, error)
}

// systemSchemas are never touched by grant or ownership statements.
var systemSchemas = []string{
	"pg_catalog", "information_schema", "hdb_catalog", "hdb_views", "pglogical",
}

// DirectExecutor speaks to the databases over the network, used when the
// process runs inside the orchestration cluster.
type DirectExecutor struct {
	log Sink
}

// NewDirectExecutor returns an executor logging progress to log.
func NewDirectExecutor(log Sink) *DirectExecutor {
	return &DirectExecutor{log: log}
}

func (e *DirectExecutor) connect(ctx context.Context, p ConnParams) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, p.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d/%s as %s: %w",
			p.Host, p.Port, p.Database, p.User, err)
	}
	return conn, nil
}

// CheckConnection verifies the endpoint accepts the credentials.
func (e *DirectExecutor) CheckConnection(ctx context.Context, p ConnParams) error {
	conn, err := e.connect(ctx, p)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("connection check on %s:%d/%s failed: %w", p.Host, p.Port, p.Database, err)
	}
	return nil
}

func nonSystemSchemas(ctx context.Context, conn *pgx.Conn) ([]string, error) {
	quoted := make([]string, len(systemSchemas))
	for i, s := range systemSchemas {
		quoted[i] = "'" + s + "'"
	}
	rows, err := conn.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT schemaname FROM pg_catalog.pg_tables WHERE schemaname NOT IN (%s)",
		strings.Join(quoted, ", ")))
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()
	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		schemas = append(schemas, name)
	}
	return schemas, rows.Err()
}

// GrantAccess gives the grantee the privileges its role implies: full access
// on every application schema for readwrite users, read-only access on
// public for everyone else.
func (e *DirectExecutor) GrantAccess(ctx context.Context, p ConnParams, grantee string) error {
	conn, err := e.connect(ctx, p)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	ident := pgx.Identifier{grantee}.Sanitize()
	if strings.Contains(grantee, "readwrite") {
		schemas, err := nonSystemSchemas(ctx, conn)
		if err != nil {
			return err
		}
		for _, schema := range schemas {
			s := pgx.Identifier{schema}.Sanitize()
			stmts := []string{
				fmt.Sprintf("GRANT ALL PRIVILEGES ON SCHEMA %s TO %s", s, ident),
				fmt.Sprintf("GRANT ALL PRIVILEGES ON ALL TABLES IN SCHEMA %s TO %s", s, ident),
				fmt.Sprintf("GRANT ALL PRIVILEGES ON ALL SEQUENCES IN SCHEMA %s TO %s", s, ident),
			}
			for _, stmt := range stmts {
				if _, err := conn.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("failed to grant on schema %s: %w", schema, err)
				}
			}
			e.log.Infof("granted all privileges on schema %s to %s", schema, grantee)
		}
		return nil
	}

	stmts := []string{
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s", ident),
		fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA public TO %s", ident),
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to grant read access to %s: %w", grantee, err)
		}
	}
	e.log.Infof("granted read access on public to %s", grantee)
	return nil
}

// SetOwnerAllTables makes the grantee the owner of every table outside the
// system schemas. Run after promotion so the application user owns what the
// migration service created.
func (e *DirectExecutor) SetOwnerAllTables(ctx context.Context, p ConnParams, grantee string) error {
	conn, err := e.connect(ctx, p)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	quoted := make([]string, len(systemSchemas))
	for i, s := range systemSchemas {
		quoted[i] = "'" + s + "'"
	}
	rows, err := conn.Query(ctx, fmt.Sprintf(
		"SELECT schemaname, tablename FROM pg_catalog.pg_tables WHERE schemaname NOT IN (%s)",
		strings.Join(quoted, ", ")))
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	type table struct{ schema, name string }
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.schema, &t.name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	ident := pgx.Identifier{grantee}.Sanitize()
	for _, t := range tables {
		stmt := fmt.Sprintf("ALTER TABLE %s OWNER TO %s",
			pgx.Identifier{t.schema, t.name}.Sanitize(), ident)
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to change owner of %s.%s: %w", t.schema, t.name, err)
		}
	}
	e.log.Infof("changed owner of %d tables to %s", len(tables), grantee)
	return nil
}

// isDuplicateObject matches the duplicate_object SQLSTATE raised by CREATE
// USER for an existing role.
func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

// CreateReplicationUser provisions the logical-replication user on the
// source: create or repassword the role, grant rds_replication, then per
// database install pglogical and grant read access on every schema. Per
// database failures are logged and skipped so one broken database does not
// block replication of the rest. Returns the password, generating one when
// none is supplied.
func (e *DirectExecutor) CreateReplicationUser(ctx context.Context, username, password string, p ConnParams) (string, error) {
	if password == "" {
		password = uuid.NewString()
	}
	conn, err := e.connect(ctx, p)
	if err != nil {
		return "", err
	}
	defer conn.Close(ctx)

	ident := pgx.Identifier{username}.Sanitize()
	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE USER %s", ident)); err != nil && !isDuplicateObject(err) {
		return "", fmt.Errorf("failed to create user %s: %w", username, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("ALTER USER %s PASSWORD '%s'", ident, password)); err != nil {
		return "", fmt.Errorf("failed to set password for %s: %w", username, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("GRANT rds_replication TO %s", ident)); err != nil {
		return "", fmt.Errorf("failed to grant rds_replication to %s: %w", username, err)
	}

	databases, err := e.listDatabases(ctx, conn)
	if err != nil {
		return "", err
	}
	for _, database := range databases {
		if err := e.prepareDatabase(ctx, p, database, ident); err != nil {
			e.log.Warnf("failed to prepare database %s for replication: %v", database, err)
		}
	}
	return password, nil
}

// listDatabases returns the connectable databases owned by login roles,
// which excludes templates and the rdsadmin-internal database.
func (e *DirectExecutor) listDatabases(ctx context.Context, conn *pgx.Conn) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT d.datname FROM pg_catalog.pg_database d
		JOIN pg_catalog.pg_roles r ON d.datdba = r.oid
		WHERE d.datallowconn AND NOT d.datistemplate AND r.rolname <> 'rdsadmin'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()
	var databases []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		databases = append(databases, name)
	}
	return databases, rows.Err()
}

func (e *DirectExecutor) prepareDatabase(ctx context.Context, p ConnParams, database, ident string) error {
	p.Database = database
	conn, err := e.connect(ctx, p)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS pglogical"); err != nil {
		return fmt.Errorf("failed to install pglogical: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA pglogical TO %s", ident)); err != nil {
		return fmt.Errorf("failed to grant on pglogical: %w", err)
	}
	schemas, err := nonSystemSchemas(ctx, conn)
	if err != nil {
		return err
	}
	for _, schema := range schemas {
		s := pgx.Identifier{schema}.Sanitize()
		stmts := []string{
			fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s", s, ident),
			fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA %s TO %s", s, ident),
			fmt.Sprintf("GRANT SELECT ON ALL SEQUENCES IN SCHEMA %s TO %s", s, ident),
		}
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to grant on schema %s: %w", schema, err)
			}
		}
	}
	e.log.Infof("prepared database %s for replication", database)
	return nil
}
