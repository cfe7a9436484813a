package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hydrogen-dev/hydrogen/internal/dqm"
)

// QueryTemplate is one named query a migration contributes to the
// in-memory Queries table the Conduit Dispatcher resolves query refs
// against.
type QueryTemplate struct {
	QueryRef int
	Tier     dqm.Tier
	SQL      string

	// ParamNames declares the query's parameter schema: the order in
	// which named parameters from a Conduit request body are bound to
	// the native placeholder positions in SQL. A query with no declared
	// names takes no bound parameters.
	ParamNames []string
}

// Source is one on-disk migration: a design name, its ordinal, and the raw
// (pre-render) forward/reverse templates, plus any query declarations it
// contributes.
type Source struct {
	Design  string
	Ordinal int
	Forward string
	Reverse string
	Queries []QueryTemplate
}

// sourceFile is the on-disk YAML shape one migration file is parsed from.
// The core contract only requires "ordinal + forward + reverse + metadata"
// per file; this is this package's own concrete format, following the
// project's established YAML-via-gopkg.in/yaml.v3 convention.
type sourceFile struct {
	Design  string `yaml:"design"`
	Ordinal int    `yaml:"ordinal"`
	Forward string `yaml:"forward"`
	Reverse string `yaml:"reverse"`
	Queries []struct {
		QueryRef int      `yaml:"query_ref"`
		Tier     string   `yaml:"tier"`
		SQL      string   `yaml:"sql"`
		Params   []string `yaml:"params"`
	} `yaml:"queries"`
}

func parseTier(raw string) (dqm.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "slow":
		return dqm.Slow, nil
	case "medium":
		return dqm.Medium, nil
	case "fast":
		return dqm.Fast, nil
	case "cached":
		return dqm.Cached, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", raw)
	}
}

// DiscoverSources reads every *.yaml/*.yml file in dir as one migration
// Source and returns them sorted ascending by ordinal. A directory that
// does not exist yields an empty, error-free result (a database with no
// migrations is valid).
func DiscoverSources(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("migration: read %s: %w", dir, err)
	}

	var sources []Source
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("migration: read %s: %w", path, err)
		}
		var sf sourceFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("migration: parse %s: %w", path, err)
		}
		if sf.Ordinal <= 0 {
			return nil, fmt.Errorf("migration: %s: ordinal must be >= 1", path)
		}
		if prior, ok := seen[sf.Ordinal]; ok {
			return nil, fmt.Errorf("migration: ordinal %d declared by both %s and %s", sf.Ordinal, prior, path)
		}
		seen[sf.Ordinal] = path

		queries := make([]QueryTemplate, 0, len(sf.Queries))
		for _, q := range sf.Queries {
			tier, err := parseTier(q.Tier)
			if err != nil {
				return nil, fmt.Errorf("migration: %s: query_ref %d: %w", path, q.QueryRef, err)
			}
			queries = append(queries, QueryTemplate{QueryRef: q.QueryRef, Tier: tier, SQL: q.SQL, ParamNames: q.Params})
		}

		sources = append(sources, Source{
			Design:  sf.Design,
			Ordinal: sf.Ordinal,
			Forward: sf.Forward,
			Reverse: sf.Reverse,
			Queries: queries,
		})
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Ordinal < sources[j].Ordinal })
	return sources, nil
}
