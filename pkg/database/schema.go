package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SchemaValidator checks that a database carries the tables, columns and
// indexes the store queries rely on.
type SchemaValidator struct {
	db *sqlx.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sqlx.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"lessons":           "Lesson cache",
		"quizzes":           "Quiz cache",
		"offline_attempts":  "Offline attempt queue",
		"user_data":         "Key/value user data",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies declared column types.
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"lessons": {
			"id": "INTEGER", "subject": "TEXT", "difficulty": "TEXT",
			"payload": "TEXT", "updated_at": "DATETIME",
		},
		"quizzes": {
			"id": "INTEGER", "lesson_id": "INTEGER", "payload": "TEXT", "updated_at": "DATETIME",
		},
		"offline_attempts": {
			"id": "INTEGER", "payload": "TEXT", "synced": "INTEGER", "created_at": "DATETIME",
		},
		"user_data": {
			"key": "TEXT", "data": "TEXT", "updated_at": "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies the lookup indexes.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_lessons_subject":            "Lessons by subject",
		"idx_lessons_difficulty":         "Lessons by difficulty",
		"idx_quizzes_lesson_id":          "Quizzes by lesson",
		"idx_offline_attempts_synced":    "Unsynced queue scan",
		"idx_offline_attempts_created_at": "Attempts by time",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type columnInfo struct {
	CID          int         `db:"cid"`
	Name         string      `db:"name"`
	Type         string      `db:"type"`
	NotNull      int         `db:"notnull"`
	DefaultValue interface{} `db:"dflt_value"`
	PK           int         `db:"pk"`
}

func (v *SchemaValidator) validateColumns(table string, expectedColumns map[string]string) error {
	var columns []columnInfo
	if err := v.db.Select(&columns, fmt.Sprintf("PRAGMA table_info(%s)", table)); err != nil {
		return err
	}

	found := make(map[string]string, len(columns))
	for _, c := range columns {
		found[c.Name] = c.Type
	}

	for name, wantType := range expectedColumns {
		gotType, ok := found[name]
		if !ok {
			return fmt.Errorf("column %s not found", name)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", name, gotType, wantType)
		}
	}
	return nil
}
