package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/store"
	"go.uber.org/zap"
)

// Catalog manages the software packages agents provision before a task
type Catalog struct {
	store      *store.Store
	logger     *zap.Logger
	packageDir string
}

// NewCatalog creates a catalog whose relative storage paths resolve under packageDir
func NewCatalog(st *store.Store, logger *zap.Logger, packageDir string) *Catalog {
	return &Catalog{
		store:      st,
		logger:     logger.With(zap.String("component", "catalog")),
		packageDir: packageDir,
	}
}

// Register adds a package to the catalog
func (c *Catalog) Register(ctx context.Context, d api.SoftwareDescriptor) (*api.SoftwareDescriptor, error) {
	d.Code = strings.TrimSpace(d.Code)
	if d.Code == "" {
		return nil, &store.ValidationError{Field: "code", Message: "is required"}
	}
	if d.Name == "" {
		d.Name = d.Code
	}
	if d.PackageFormat != "" && !d.PackageFormat.Valid() {
		return nil, &store.ValidationError{Field: "package_format", Message: fmt.Sprintf("unknown format %q", d.PackageFormat)}
	}
	if d.DetectionMethod == "" {
		d.DetectionMethod = api.DetectFile
	}
	if !d.DetectionMethod.Valid() {
		return nil, &store.ValidationError{Field: "detection_method", Message: fmt.Sprintf("unknown method %q", d.DetectionMethod)}
	}
	if d.SoftwareType == "" {
		d.SoftwareType = api.SoftwarePortable
	}

	row := store.SoftwareFromAPI(d)
	if err := store.NewSoftwareRepository(c.store.DB(ctx)).Create(row); err != nil {
		return nil, err
	}
	c.logger.Info("Software registered",
		zap.String("code", d.Code),
		zap.String("format", string(d.PackageFormat)),
		zap.String("detection", string(d.DetectionMethod)),
	)
	out := row.API()
	return &out, nil
}

// List returns the catalog
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]api.SoftwareDescriptor, error) {
	rows, err := store.NewSoftwareRepository(c.store.DB(ctx)).List(activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list software: %w", err)
	}
	out := make([]api.SoftwareDescriptor, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].API())
	}
	return out, nil
}

// Get returns one catalog entry
func (c *Catalog) Get(ctx context.Context, code string) (*api.SoftwareDescriptor, error) {
	row, err := store.NewSoftwareRepository(c.store.DB(ctx)).FindByCode(code)
	if err != nil {
		return nil, err
	}
	out := row.API()
	return &out, nil
}

// PackagePath resolves the package file of an active catalog entry on local disk
func (c *Catalog) PackagePath(ctx context.Context, code string) (string, error) {
	row, err := store.NewSoftwareRepository(c.store.DB(ctx)).FindByCode(code)
	if err != nil {
		return "", err
	}
	if !row.IsActive || row.StoragePath == "" {
		return "", &store.NotFoundError{Resource: "package:" + code}
	}

	path := row.StoragePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.packageDir, path)
		rel, err := filepath.Rel(c.packageDir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", &store.ValidationError{Field: "storage_path", Message: "escapes the package directory"}
		}
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.logger.Warn("Package file missing", zap.String("code", code), zap.String("path", path))
		return "", &store.NotFoundError{Resource: "package:" + code}
	}
	return path, nil
}
