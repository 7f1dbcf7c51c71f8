package testhelpers

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"coedit/internal/permissions"
)

var (
	openSQLite          = func(dsn string) (*gorm.DB, error) { return gorm.Open(sqlite.Open(dsn), &gorm.Config{}) }
	migrateSchema       = permissions.Migrate
	dropPermissionTable = func(db *gorm.DB) error { return db.Migrator().DropTable(&permissions.Permission{}) }
)

// SetupTestDB creates an isolated in-memory SQLite database for tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := openSQLite(dsn)
	if err != nil {
		panic(fmt.Sprintf("failed to open test database: %v", err))
	}
	if err := migrateSchema(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// DropPermissionTable removes the permissions table to force repository errors.
func DropPermissionTable(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := dropPermissionTable(db); err != nil {
		panic(fmt.Sprintf("failed to drop permission table: %v", err))
	}
}
