package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/benchfleet/benchfleet/test/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCatalog_RegisterAndList(t *testing.T) {
	c := NewCatalog(testutil.NewTestStore(t), zap.NewNop(), t.TempDir())
	ctx := context.Background()

	got, err := c.Register(ctx, api.SoftwareDescriptor{Code: " bench3d ", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, "bench3d", got.Code)
	assert.Equal(t, "bench3d", got.Name)
	assert.Equal(t, api.DetectFile, got.DetectionMethod)
	assert.Equal(t, api.SoftwarePortable, got.SoftwareType)

	_, err = c.Register(ctx, api.SoftwareDescriptor{Code: "bench3d"})
	assert.True(t, store.IsConflictError(err))

	_, err = c.Register(ctx, api.SoftwareDescriptor{Code: "x", PackageFormat: "tar"})
	assert.True(t, store.IsValidationError(err))
	_, err = c.Register(ctx, api.SoftwareDescriptor{Code: "y", DetectionMethod: "psychic"})
	assert.True(t, store.IsValidationError(err))
	_, err = c.Register(ctx, api.SoftwareDescriptor{})
	assert.True(t, store.IsValidationError(err))

	_, err = c.Register(ctx, api.SoftwareDescriptor{Code: "old"})
	require.NoError(t, err)

	all, err := c.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := c.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bench3d", active[0].Code)
}

func TestCatalog_PackagePath(t *testing.T) {
	dir := t.TempDir()
	c := NewCatalog(testutil.NewTestStore(t), zap.NewNop(), dir)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bench3d.zip"), []byte("PK"), 0o644))

	sw := fixtures.NewSoftware("bench3d", "C:/bench3d/bench.exe")
	sw.StoragePath = "bench3d.zip"
	_, err := c.Register(ctx, sw)
	require.NoError(t, err)

	path, err := c.PackagePath(ctx, "bench3d")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bench3d.zip"), path)

	missing := fixtures.NewSoftware("missing", "")
	missing.StoragePath = "missing.zip"
	_, err = c.Register(ctx, missing)
	require.NoError(t, err)
	_, err = c.PackagePath(ctx, "missing")
	assert.True(t, store.IsNotFoundError(err))

	escape := fixtures.NewSoftware("escape", "")
	escape.StoragePath = "../../etc/passwd"
	_, err = c.Register(ctx, escape)
	require.NoError(t, err)
	_, err = c.PackagePath(ctx, "escape")
	assert.True(t, store.IsValidationError(err))

	_, err = c.PackagePath(ctx, "unknown")
	assert.True(t, store.IsNotFoundError(err))
}
