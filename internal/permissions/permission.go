package permissions

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"coedit/internal/models"
)

var ErrPermissionNotFound = errors.New("permission not found")

// Permission grants one user a level on one document. Rows are written by the
// document service; this service only reads them.
type Permission struct {
	gorm.Model
	UserID         string `gorm:"not null;uniqueIndex:idx_permission_user_document" json:"userId"`
	DocumentID     string `gorm:"not null;uniqueIndex:idx_permission_user_document" json:"documentId"`
	PermissionType string `gorm:"not null" json:"permissionType"`
}

type Repository struct {
	DB *gorm.DB
}

// Open connects to postgres when dsn is set, otherwise to the sqlite file at sqlitePath.
func Open(dsn, sqlitePath string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if dsn != "" {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(sqlitePath)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open permission store: %w", err)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Permission{})
}

// GetPermission resolves the level userID holds on documentID.
func (r *Repository) GetPermission(ctx context.Context, userID, documentID string) (models.Permission, error) {
	var p Permission
	err := r.DB.WithContext(ctx).
		Select("permission_type").
		Where("user_id = ? AND document_id = ?", userID, documentID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrPermissionNotFound
	}
	if err != nil {
		return "", err
	}
	return models.ParsePermission(p.PermissionType), nil
}

// Grant creates or replaces a permission row. Used for seeding and tests.
func (r *Repository) Grant(ctx context.Context, userID, documentID string, level models.Permission) error {
	var p Permission
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND document_id = ?", userID, documentID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.DB.WithContext(ctx).Create(&Permission{
			UserID:         userID,
			DocumentID:     documentID,
			PermissionType: string(level),
		}).Error
	}
	if err != nil {
		return err
	}
	return r.DB.WithContext(ctx).Model(&p).Update("permission_type", string(level)).Error
}
