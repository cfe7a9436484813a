package migration

import (
	"fmt"

	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

// bindMacroCount is how many ${BIND_N} placeholders the default table
// registers per engine.
const bindMacroCount = 8

// defaultEngineMacros maps each engine's SQL dialect onto the macro names
// migration templates are written against: column types, the current-time
// function, and positional bind delimiters.
var defaultEngineMacros = map[engine.Tag]map[string]string{
	engine.Postgres: {
		"ID_TYPE":        "BIGSERIAL",
		"TIMESTAMP_TYPE": "TIMESTAMPTZ",
		"TEXT_TYPE":      "TEXT",
		"BOOLEAN_TYPE":   "BOOLEAN",
		"NOW_FUNC":       "NOW()",
	},
	engine.MySQL: {
		"ID_TYPE":        "BIGINT AUTO_INCREMENT",
		"TIMESTAMP_TYPE": "DATETIME(6)",
		"TEXT_TYPE":      "TEXT",
		"BOOLEAN_TYPE":   "TINYINT(1)",
		"NOW_FUNC":       "NOW(6)",
	},
	engine.SQLite: {
		"ID_TYPE":        "INTEGER",
		"TIMESTAMP_TYPE": "TEXT",
		"TEXT_TYPE":      "TEXT",
		"BOOLEAN_TYPE":   "INTEGER",
		"NOW_FUNC":       "CURRENT_TIMESTAMP",
	},
	engine.DB2: {
		"ID_TYPE":        "BIGINT GENERATED ALWAYS AS IDENTITY",
		"TIMESTAMP_TYPE": "TIMESTAMP",
		"TEXT_TYPE":      "CLOB",
		"BOOLEAN_TYPE":   "SMALLINT",
		"NOW_FUNC":       "CURRENT TIMESTAMP",
	},
}

// DefaultMacros returns the macro tables every TemplateEngine starts from:
// per-engine type/function/delimiter entries plus the common schema-prefix
// entry. Callers layer design-specific macros on top via
// SetEngineMacro/SetCommonMacro.
func DefaultMacros() *Macros {
	m := NewMacros()
	for tag, table := range defaultEngineMacros {
		for name, value := range table {
			m.SetEngineMacro(tag, name, value)
		}
		for n := 1; n <= bindMacroCount; n++ {
			placeholder := "?"
			if tag == engine.Postgres {
				placeholder = fmt.Sprintf("$%d", n)
			}
			m.SetEngineMacro(tag, fmt.Sprintf("BIND_%d", n), placeholder)
		}
	}
	// SCHEMA is a table-name prefix including its trailing dot; the default
	// is the unqualified namespace.
	m.SetCommonMacro("SCHEMA", "")
	return m
}
