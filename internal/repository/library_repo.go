package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/reencodarr/internal/models"
	"gorm.io/gorm"
)

// libraryRepo implements LibraryRepository using GORM.
type libraryRepo struct {
	db *gorm.DB
}

// NewLibraryRepository creates a new LibraryRepository.
func NewLibraryRepository(db *gorm.DB) LibraryRepository {
	return &libraryRepo{db: db}
}

// Create creates a new library.
func (r *libraryRepo) Create(ctx context.Context, library *models.Library) error {
	if err := r.db.WithContext(ctx).Create(library).Error; err != nil {
		return fmt.Errorf("creating library: %w", err)
	}
	return nil
}

// GetAll retrieves all libraries ordered by path.
func (r *libraryRepo) GetAll(ctx context.Context) ([]*models.Library, error) {
	var libraries []*models.Library
	if err := r.db.WithContext(ctx).Order("path ASC").Find(&libraries).Error; err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}
	return libraries, nil
}

// FindForPath returns the library whose root contains the path, or nil. The
// longest matching root wins when libraries nest.
func (r *libraryRepo) FindForPath(ctx context.Context, path string) (*models.Library, error) {
	libraries, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var best *models.Library
	for _, lib := range libraries {
		if lib.ContainsPath(path) {
			if best == nil || len(lib.Path) > len(best.Path) {
				best = lib
			}
		}
	}
	return best, nil
}
