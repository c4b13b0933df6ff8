// Package config holds per-service migration configuration: a schema-lax
// property bag per application service, backed either by a local YAML file
// or by a ConfigMap in the orchestration cluster.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// requiredFields must be present (and non-nil) for a service config to be
// considered complete.
var requiredFields = []string{
	"aws-host",
	"aws-instance",
	"aws-port",
	"readonly-secret-name",
	"readwrite-secret-name",
	"aws-replication-password",
	"aws-replication-username",
	"gcp-auto-storage-increase",
	"gcp-database-version",
	"gcp-disk-type",
	"gcp-instance-cpu",
	"gcp-instance-mem",
	"gcp-instance-region",
	"gcp-instance-storage",
	"gcp-migration-strategy",
	"gcp-project-name",
	"k8s-env",
	"k8s-namespace",
	"k8s-service",
}

// remoteFields are additionally required when the migration strategy is
// "remote": during CDC the application keeps writing to the source, so the
// source credentials must be known to rewrite the cluster secrets.
var remoteFields = []string{
	"aws-readonly-password",
	"aws-readwrite-password",
}

// DbConfig is the property bag for a single service. New properties are
// added over the lifetime of a migration, so it is deliberately an open
// mapping with typed accessors rather than a closed struct.
type DbConfig struct {
	Name  string
	Props map[string]any
}

// NewDbConfig wraps a property map. A nil map is replaced with an empty one.
func NewDbConfig(name string, props map[string]any) *DbConfig {
	if props == nil {
		props = map[string]any{}
	}
	return &DbConfig{Name: name, Props: props}
}

// Lookup resolves a property, applying the read-time inference rules:
//
//   - database-name falls back to the middle dotted token of
//     readwrite-secret-name
//   - gcp-rootuser-secret-name falls back to readwrite-secret-name with
//     ".rw" replaced by ".root"
//   - aws-master-username defaults to "pgadmin"
//   - aws-replication-password placeholder values ("?", empty) read as absent
func (c *DbConfig) Lookup(key string) (any, bool) {
	switch key {
	case "database-name":
		if v, ok := c.Props["database-name"]; ok {
			return v, true
		}
		if rw, ok := c.Props["readwrite-secret-name"]; ok {
			parts := strings.Split(asString(rw), ".")
			if len(parts) >= 2 {
				return parts[1], true
			}
		}
		return nil, false
	case "gcp-rootuser-secret-name":
		if v, ok := c.Props["gcp-rootuser-secret-name"]; ok {
			return v, true
		}
		if rw, ok := c.Props["readwrite-secret-name"]; ok {
			return strings.ReplaceAll(asString(rw), ".rw", ".root"), true
		}
		return nil, false
	case "aws-master-username":
		if v, ok := c.Props["aws-master-username"]; ok {
			return v, true
		}
		return "pgadmin", true
	case "aws-replication-password":
		v, ok := c.Props["aws-replication-password"]
		if !ok || v == nil {
			return nil, false
		}
		s := asString(v)
		if s == "?" || s == "" {
			return nil, false
		}
		return s, true
	}
	v, ok := c.Props[key]
	return v, ok
}

// Str returns the property as a string, or "" when absent.
func (c *DbConfig) Str(key string) string {
	v, ok := c.Lookup(key)
	if !ok || v == nil {
		return ""
	}
	return asString(v)
}

// Int returns the property as an int; ok is false when the property is
// absent or not parseable as an integer.
func (c *DbConfig) Int(key string) (int, bool) {
	v, ok := c.Lookup(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Bool returns the property as a bool, or false when absent.
func (c *DbConfig) Bool(key string) bool {
	v, ok := c.Lookup(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		p, err := strconv.ParseBool(b)
		return err == nil && p
	}
	return false
}

// Has reports whether the property resolves to a value, inference included.
func (c *DbConfig) Has(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Validate returns the list of human-readable configuration errors. An empty
// list means the config is complete enough to migrate.
func (c *DbConfig) Validate() []string {
	var errs []string
	missing := func(field string) string {
		return fmt.Sprintf("missing configuration field %q in config %q", field, c.Name)
	}
	for _, field := range requiredFields {
		if v, ok := c.Props[field]; !ok || v == nil {
			errs = append(errs, missing(field))
		}
	}
	if asString(c.Props["gcp-migration-strategy"]) == "remote" {
		for _, field := range remoteFields {
			if v, ok := c.Props[field]; !ok || v == nil {
				errs = append(errs, missing(field))
			}
		}
	}
	if _, ok := c.Props["database-name"]; !ok {
		if rw := asString(c.Props["readwrite-secret-name"]); len(strings.Split(rw, ".")) != 3 {
			errs = append(errs, missing("database-name"))
		}
	}

	// The sizing rules only apply once cpu and mem hold numbers; placeholder
	// configs carry empty strings until the bootstrap fills them in.
	cpu, cpuOK := c.Int("gcp-instance-cpu")
	mem, memOK := c.Int("gcp-instance-mem")
	if cpuOK && memOK {
		minMem := 0.9 * 1024 * float64(cpu)
		maxMem := 6.5 * 1024 * float64(cpu)
		if cpu < 1 || cpu > 96 {
			errs = append(errs, fmt.Sprintf("%s: gcp-cpu is not a valid value: %d must be between 1 and 96", c.Name, cpu))
		} else if cpu%2 == 1 && cpu > 1 {
			errs = append(errs, fmt.Sprintf("%s: gcp-cpu is not a valid value: %d must be either 1 or an even number", c.Name, cpu))
		}
		if mem%256 > 0 {
			errs = append(errs, fmt.Sprintf("%s: gcp-mem is not a valid value: %d must be a multiple of 256 MB", c.Name, mem))
		} else if mem < 3840 {
			errs = append(errs, fmt.Sprintf("%s: gcp-mem is not a valid value: %d must be at least 3.75 GB (3840 MB)", c.Name, mem))
		} else if float64(mem) < minMem || float64(mem) > maxMem {
			errs = append(errs, fmt.Sprintf("%s: gcp-mem is not a valid value: %d must be 0.9 to 6.5 GB per vCPU", c.Name, mem))
		}
	}
	return errs
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
