// Package dbconfig loads the top-level Databases configuration object:
// the default worker count, and one Connection entry per logical database
// name. Config is read once at launch from YAML (via
// gopkg.in/yaml.v3), optionally overlaid by process environment variables
// (via github.com/joeshaw/envdecode) and a .env file in development (via
// github.com/joho/godotenv), and is never mutated afterward.
package dbconfig

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

// defaultStatementTimeout is installed once at connect and never reset per
// call.
const defaultStatementTimeout = 30 * time.Second

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Connection describes one logical database's endpoint and pool shape, as
// read from the Databases.Connections map before {$env.VAR} substitution.
type Connection struct {
	Type           string `yaml:"type"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	Path           string `yaml:"path"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`

	// MaxQueriesPerRequest is the conduit rate-limit cap for this
	// database (default >0).
	MaxQueriesPerRequest int `yaml:"max_queries_per_request"`

	// StatementTimeoutMS is installed once at connect time.
	StatementTimeoutMS int `yaml:"statement_timeout_ms"`

	// MigrationsDir points at this database's migration source tree.
	MigrationsDir string `yaml:"migrations_dir"`
}

// Databases is the top-level configuration object consumed by the core;
// all other top-level sections (WebServer, WebSocket, Logging, ...) are
// not part of this package's concern.
type Databases struct {
	Workers     int                   `yaml:"workers" env:"HYDROGEN_DEFAULT_WORKERS"`
	Connections map[string]Connection `yaml:"connections"`
}

const defaultWorkers = 4

var envPlaceholder = regexp.MustCompile(`\{\$env\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads path as YAML into a Databases object, applies envdecode
// overrides, substitutes every {$env.VAR} placeholder exactly once, and
// validates each connection's engine tag and worker count.
func Load(path string) (*Databases, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dbconfig: read %s: %w", path, err)
	}

	dbs := &Databases{Workers: defaultWorkers}
	if err := yaml.Unmarshal(data, dbs); err != nil {
		return nil, fmt.Errorf("dbconfig: parse %s: %w", path, err)
	}

	if err := envdecode.Decode(dbs); err != nil && !strings.Contains(err.Error(), "none of the target fields were set") {
		return nil, fmt.Errorf("dbconfig: decode env: %w", err)
	}

	if dbs.Workers <= 0 {
		dbs.Workers = defaultWorkers
	}

	if err := dbs.resolvePlaceholders(); err != nil {
		return nil, err
	}
	if err := dbs.validate(); err != nil {
		return nil, err
	}
	return dbs, nil
}

// resolvePlaceholders substitutes every {$env.VAR} reference across every
// Connection's string fields exactly once.
func (d *Databases) resolvePlaceholders() error {
	for name, conn := range d.Connections {
		resolved, err := resolveConnPlaceholders(conn)
		if err != nil {
			return fmt.Errorf("dbconfig: database %q: %w", name, err)
		}
		d.Connections[name] = resolved
	}
	return nil
}

func resolveConnPlaceholders(c Connection) (Connection, error) {
	var err error
	if c.Host, err = substitute(c.Host); err != nil {
		return c, err
	}
	if c.Database, err = substitute(c.Database); err != nil {
		return c, err
	}
	if c.Path, err = substitute(c.Path); err != nil {
		return c, err
	}
	if c.Username, err = substitute(c.Username); err != nil {
		return c, err
	}
	if c.Password, err = substitute(c.Password); err != nil {
		return c, err
	}
	return c, nil
}

func substitute(value string) (string, error) {
	var firstErr error
	result := envPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			if firstErr == nil {
				firstErr = dberrors.NewConfigError(name, match, dberrors.ErrMissingCredential)
			}
			return match
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// validate checks every connection names a known engine tag and carries a
// usable endpoint, applying defaults for MaxConnections and
// MaxQueriesPerRequest.
func (d *Databases) validate() error {
	for name, conn := range d.Connections {
		tag, err := parseTag(conn.Type)
		if err != nil {
			return dberrors.NewConfigError("connections."+name+".type", conn.Type, dberrors.ErrUnknownEngine)
		}
		if tag == engine.SQLite {
			if conn.Path == "" {
				return dberrors.NewConfigError("connections."+name+".path", "", dberrors.ErrBadEndpoint)
			}
		} else if conn.Host == "" {
			return dberrors.NewConfigError("connections."+name+".host", "", dberrors.ErrBadEndpoint)
		}
		if conn.MaxConnections <= 0 {
			conn.MaxConnections = d.Workers
		}
		if conn.MaxQueriesPerRequest <= 0 {
			conn.MaxQueriesPerRequest = 20
		}
		d.Connections[name] = conn
	}
	return nil
}

func parseTag(raw string) (engine.Tag, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "postgresql":
		return engine.Postgres, nil
	case "mysql", "mariadb":
		return engine.MySQL, nil
	case "sqlite", "sqlite3":
		return engine.SQLite, nil
	case "db2":
		return engine.DB2, nil
	default:
		return "", fmt.Errorf("unknown engine %q", raw)
	}
}

// Descriptor is the immutable, validated form of one configured database,
// built from a Connection entry plus the process-wide default worker
// count.
type Descriptor struct {
	Name                 string
	Tag                  engine.Tag
	Endpoint             engine.Endpoint
	Workers              int
	MaxQueriesPerRequest int
	MigrationsDir        string
}

// Descriptors builds one Descriptor per configured database, applying the
// Databases-level default worker count where a connection does not specify
// its own.
func (d *Databases) Descriptors() ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(d.Connections))
	for name, conn := range d.Connections {
		tag, err := parseTag(conn.Type)
		if err != nil {
			return nil, dberrors.NewConfigError("connections."+name+".type", conn.Type, dberrors.ErrUnknownEngine)
		}
		workers := d.Workers
		if conn.MaxConnections > 0 {
			workers = conn.MaxConnections
		}
		if workers <= 0 {
			workers = defaultWorkers
		}
		timeout := defaultStatementTimeout
		if conn.StatementTimeoutMS > 0 {
			timeout = msToDuration(conn.StatementTimeoutMS)
		}
		out = append(out, Descriptor{
			Name: name,
			Tag:  tag,
			Endpoint: engine.Endpoint{
				Tag:              tag,
				Host:             conn.Host,
				Port:             conn.Port,
				Database:         conn.Database,
				Path:             conn.Path,
				Username:         conn.Username,
				Password:         conn.Password,
				MaxConnections:   conn.MaxConnections,
				StatementTimeout: timeout,
			},
			Workers:              workers,
			MaxQueriesPerRequest: conn.MaxQueriesPerRequest,
			MigrationsDir:        conn.MigrationsDir,
		})
	}
	return out, nil
}
