package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// schemaStep is one numbered file under migrations/, e.g. 002_campus_enabled.sql
type schemaStep struct {
	version int
	label   string
	stmt    string
}

// schemaVersion reads the version stamped into the file header by PRAGMA user_version
func schemaVersion(conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// parseStepName splits "NNN_label.sql" into its version and label
func parseStepName(file string) (int, string, error) {
	base := strings.TrimSuffix(path.Base(file), ".sql")
	num, label, ok := strings.Cut(base, "_")
	if !ok || label == "" {
		return 0, "", fmt.Errorf("schema file %s is not named NNN_label.sql", file)
	}
	v, err := strconv.Atoi(num)
	if err != nil || v <= 0 {
		return 0, "", fmt.Errorf("schema file %s has no positive version prefix", file)
	}
	return v, label, nil
}

func schemaSteps(fsys fs.FS) ([]schemaStep, error) {
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	steps := make([]schemaStep, 0, len(files))
	seen := make(map[int]string, len(files))
	for _, file := range files {
		v, label, err := parseStepName(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("schema files %s and %s share version %d", prev, file, v)
		}
		seen[v] = file

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		steps = append(steps, schemaStep{version: v, label: label, stmt: string(body)})
	}

	slices.SortFunc(steps, func(a, b schemaStep) int { return a.version - b.version })
	return steps, nil
}

// upgradeSchema applies every embedded step newer than the stamped version.
// Each step and its version stamp commit together.
func upgradeSchema(conn *sql.DB) error {
	return upgradeSchemaFrom(conn, schemaFS)
}

func upgradeSchemaFrom(conn *sql.DB, fsys fs.FS) error {
	have, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	steps, err := schemaSteps(fsys)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.version <= have {
			continue
		}
		if err := applyStep(conn, step); err != nil {
			return fmt.Errorf("credential schema step %d (%s): %w", step.version, step.label, err)
		}
		log.Printf("Credential database schema upgraded to version %d (%s)", step.version, step.label)
		have = step.version
	}
	return nil
}

func applyStep(conn *sql.DB, step schemaStep) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.stmt); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
		return err
	}
	return tx.Commit()
}
