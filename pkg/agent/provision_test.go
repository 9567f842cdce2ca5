package agent

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/benchfleet/benchfleet/test/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zipDownloader serves in-memory zip archives keyed by software code
type zipDownloader struct {
	t        *testing.T
	archives map[string]map[string]string
	calls    []string
}

func (d *zipDownloader) Download(_ context.Context, code, dir string) (string, error) {
	d.calls = append(d.calls, code)
	files, ok := d.archives[code]
	if !ok {
		return "", &StatusError{Code: 404, Message: "software not found"}
	}
	require.NoError(d.t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, code+".zip")
	writeZip(d.t, path, files)
	return path, nil
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, body := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func newTestProvisioner(t *testing.T, dl Downloader) (*Provisioner, string) {
	t.Helper()
	installDir := t.TempDir()
	return NewProvisioner(dl, testutil.NewTestLogger(t), t.TempDir(), installDir), installDir
}

func TestProvision_SkipsInstalledSoftware(t *testing.T) {
	dl := &zipDownloader{t: t}
	p, _ := newTestProvisioner(t, dl)

	marker := filepath.Join(t.TempDir(), "tool.exe")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0755))

	reports, err := p.Provision(context.Background(), []api.SoftwareDescriptor{fixtures.NewSoftware("TOOL", marker)})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Skipped)
	assert.Equal(t, StateInstalled, reports[0].State)
	assert.Equal(t, marker, reports[0].ExePath)
	assert.Empty(t, dl.calls)
}

func TestProvision_InstallsZip(t *testing.T) {
	dl := &zipDownloader{t: t, archives: map[string]map[string]string{
		"TOOL": {"bin/tool.exe": "binary", "readme.txt": "hello"},
	}}
	p, installDir := newTestProvisioner(t, dl)

	d := fixtures.NewSoftware("TOOL", "")
	d.SubfolderName = "tool"
	d.MainExeRelativePath = "bin/tool.exe"

	reports, err := p.Provision(context.Background(), []api.SoftwareDescriptor{d})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Skipped)
	assert.Equal(t, filepath.Join(installDir, "tool", "bin", "tool.exe"), reports[0].ExePath)

	data, err := os.ReadFile(filepath.Join(installDir, "tool", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, []string{"TOOL"}, dl.calls)
}

func TestProvision_StopsAtFirstFailure(t *testing.T) {
	dl := &zipDownloader{t: t, archives: map[string]map[string]string{
		"LAST": {"x.txt": "x"},
	}}
	p, _ := newTestProvisioner(t, dl)

	list := []api.SoftwareDescriptor{fixtures.NewSoftware("GHOST", ""), fixtures.NewSoftware("LAST", "")}
	reports, err := p.Provision(context.Background(), list)
	require.Error(t, err)

	var pe *ProvisionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "GHOST", pe.Code)
	assert.Equal(t, StateDownloading, pe.Stage)
	assert.True(t, IsNotFound(err))

	require.Len(t, reports, 1)
	assert.Equal(t, StateFailed, reports[0].State)
	assert.Equal(t, []string{"GHOST"}, dl.calls)
}

func TestExtractZip_RejectsEscapingEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, archive, map[string]string{"../escaped.txt": "gotcha"})
	target := filepath.Join(t.TempDir(), "target")

	err := extractZip(context.Background(), archive, target)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(target), "escaped.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstall_UnsupportedFormat(t *testing.T) {
	p, _ := newTestProvisioner(t, &zipDownloader{t: t})
	res := p.Install(context.Background(), "/tmp/pkg.tar.gz", api.SoftwareDescriptor{Code: "X"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported package format")
}

func TestCheckInstalled_DetectionMethods(t *testing.T) {
	p, _ := newTestProvisioner(t, &zipDownloader{t: t})
	ctx := context.Background()

	assert.False(t, p.CheckInstalled(ctx, api.SoftwareDescriptor{Code: "A", DetectionMethod: api.DetectFile}))
	assert.False(t, p.CheckInstalled(ctx, api.SoftwareDescriptor{Code: "B", DetectionMethod: api.DetectProcess}))
	assert.False(t, p.CheckInstalled(ctx, api.SoftwareDescriptor{Code: "C", DetectionMethod: "magic"}))
	assert.False(t, p.CheckInstalled(ctx, api.SoftwareDescriptor{
		Code:             "D",
		DetectionMethod:  api.DetectProcess,
		DetectionKeyword: "no-such-process-benchfleet",
	}))
}

func TestTargetDir(t *testing.T) {
	p := NewProvisioner(&zipDownloader{t: t}, testutil.NewTestLogger(t), "/tmp/dl", "/opt/bench")
	assert.Equal(t, "/opt/bench", p.targetDir(api.SoftwareDescriptor{}))
	assert.Equal(t, filepath.Join("/opt/bench", "tool"), p.targetDir(api.SoftwareDescriptor{SubfolderName: "tool"}))
	assert.Equal(t, filepath.Join("/srv", "tool"), p.targetDir(api.SoftwareDescriptor{TargetInstallPath: "/srv", SubfolderName: "tool"}))
}

func TestProvision_VerifiesAfterInstall(t *testing.T) {
	dl := &zipDownloader{t: t, archives: map[string]map[string]string{
		"TOOL":  {"bin/tool.exe": "binary"},
		"DECOY": {"other.txt": "x"},
	}}
	p, installDir := newTestProvisioner(t, dl)

	d := fixtures.NewSoftware("TOOL", filepath.Join(installDir, "tool", "bin", "tool.exe"))
	d.SubfolderName = "tool"
	reports, err := p.Provision(context.Background(), []api.SoftwareDescriptor{d})
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, reports[0].State)

	decoy := fixtures.NewSoftware("DECOY", filepath.Join(installDir, "decoy", "decoy.exe"))
	decoy.SubfolderName = "decoy"
	_, err = p.Provision(context.Background(), []api.SoftwareDescriptor{decoy})
	var pe *ProvisionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StateVerifying, pe.Stage)
	assert.Contains(t, err.Error(), "not detected")
}

func TestUninstall_RefusesSharedDirectory(t *testing.T) {
	p, _ := newTestProvisioner(t, &zipDownloader{t: t})

	shared := filepath.Join(t.TempDir(), "ProgramFiles")
	keep := filepath.Join(shared, "OtherVendor", "keep.exe")
	require.NoError(t, os.MkdirAll(filepath.Dir(keep), 0755))
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0644))

	tests := []struct {
		name string
		d    api.SoftwareDescriptor
	}{
		{name: "no subfolder", d: api.SoftwareDescriptor{Code: "TOOL", TargetInstallPath: shared}},
		{name: "no subfolder, default root", d: api.SoftwareDescriptor{Code: "TOOL"}},
		{name: "dot subfolder", d: api.SoftwareDescriptor{Code: "TOOL", TargetInstallPath: shared, SubfolderName: "."}},
		{name: "parent subfolder", d: api.SoftwareDescriptor{Code: "TOOL", TargetInstallPath: filepath.Join(shared, "OtherVendor"), SubfolderName: ".."}},
		{name: "escaping subfolder", d: api.SoftwareDescriptor{Code: "TOOL", TargetInstallPath: filepath.Join(shared, "Mine"), SubfolderName: "../OtherVendor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Uninstall(tt.d)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "refusing to uninstall")
			_, statErr := os.Stat(keep)
			assert.NoError(t, statErr)
		})
	}
}

func TestUninstall_RemovesOwnSubfolder(t *testing.T) {
	p, _ := newTestProvisioner(t, &zipDownloader{t: t})

	shared := filepath.Join(t.TempDir(), "ProgramFiles")
	mine := filepath.Join(shared, "Tool", "tool.exe")
	keep := filepath.Join(shared, "OtherVendor", "keep.exe")
	for _, f := range []string{mine, keep} {
		require.NoError(t, os.MkdirAll(filepath.Dir(f), 0755))
		require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	}

	removed, err := p.Uninstall(api.SoftwareDescriptor{Code: "TOOL", TargetInstallPath: shared, SubfolderName: "Tool"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(shared, "Tool"), removed)

	_, err = os.Stat(filepath.Join(shared, "Tool"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(keep)
	assert.NoError(t, err)
}
