package migrate

import (
	"strings"
	"testing"
)

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantErr     bool
	}{
		{"001_initial_schema.sql", 1, "initial_schema", false},
		{"021_agent_status_function.sql", 21, "agent_status_function", false},
		{"100_future_migration.sql", 100, "future_migration", false},
		{"001_name_with_underscores.sql", 1, "name_with_underscores", false},
		{"invalid.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
		{"001.sql", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFilename(tt.filename)

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s, got nil", tt.filename)
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error for %s: %v", tt.filename, err)
				return
			}

			if version != tt.wantVersion {
				t.Errorf("version: got %d, want %d", version, tt.wantVersion)
			}
			if name != tt.wantName {
				t.Errorf("name: got %s, want %s", name, tt.wantName)
			}
		})
	}
}

func TestGetAvailableMigrations(t *testing.T) {
	migrations, err := getAvailableMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(migrations) == 0 {
		t.Fatal("expected at least one migration, got none")
	}

	// Verify they're sorted by version
	for i := 1; i < len(migrations); i++ {
		if migrations[i].version <= migrations[i-1].version {
			t.Errorf("migrations not sorted: %d comes after %d",
				migrations[i].version, migrations[i-1].version)
		}
	}

	// Verify first migration is 001
	if migrations[0].version != 1 {
		t.Errorf("first migration version: got %d, want 1", migrations[0].version)
	}

	// Verify migrations have SQL content
	for _, m := range migrations {
		if m.sql == "" {
			t.Errorf("migration %d (%s) has empty SQL", m.version, m.name)
		}
	}
}

func TestMigrationFilesAreEmbedded(t *testing.T) {
	// Verify that the embed directive is working
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("failed to read embedded migrations: %v", err)
	}

	if len(entries) == 0 {
		t.Fatal("no migration files embedded")
	}

	// Count SQL files
	sqlCount := 0
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 {
			sqlCount++
		}
	}

	if sqlCount == 0 {
		t.Fatal("no SQL files found in embedded migrations")
	}

	t.Logf("found %d embedded migration files", sqlCount)
}

func TestMigration003TargetStateFunctionExists(t *testing.T) {
	migrations, err := getAvailableMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, m := range migrations {
		if m.version == 3 && m.name == "target_state_function" {
			found = true
			if !strings.Contains(m.sql, "CREATE OR REPLACE FUNCTION get_target_current_state") {
				t.Error("migration 003 doesn't contain get_target_current_state function")
			}
			break
		}
	}

	if !found {
		t.Error("migration 003_target_state_function.sql not found")
	}
}

func TestInitialSchemaDefinesCoreTables(t *testing.T) {
	migrations, err := getAvailableMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var schema string
	for _, m := range migrations {
		if m.version == 1 {
			schema = m.sql
			break
		}
	}
	if schema == "" {
		t.Fatal("migration 001 not found")
	}

	for _, table := range []string{
		"monitoring_targets", "monitoring_probes", "monitoring_cycles",
		"connectivity_metrics", "target_status", "outage_events",
	} {
		if !strings.Contains(schema, table) {
			t.Errorf("initial schema missing table %s", table)
		}
	}
}
