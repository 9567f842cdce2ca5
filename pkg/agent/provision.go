package agent

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"go.uber.org/zap"
)

const (
	ExtractTimeout = 10 * time.Minute
	InstallTimeout = 30 * time.Minute

	// SoftwareInstallError is the error_type reported for any provisioning failure
	SoftwareInstallError = "software_install"
)

// ProvisionState is the per-package pipeline state
type ProvisionState string

const (
	StateNotChecked  ProvisionState = "not_checked"
	StateChecking    ProvisionState = "checking"
	StateDownloading ProvisionState = "downloading"
	StateDownloaded  ProvisionState = "downloaded"
	StateInstalling  ProvisionState = "installing"
	StateVerifying   ProvisionState = "verifying"
	StateInstalled   ProvisionState = "installed"
	StateFailed      ProvisionState = "failed"
)

// InstallResult is the outcome of installing one package
type InstallResult struct {
	Success       bool
	InstalledPath string
	ExePath       string
	Error         string
}

// ItemReport records where one package ended up
type ItemReport struct {
	Code    string
	State   ProvisionState
	Skipped bool
	ExePath string
	Error   string
}

// ProvisionError aborts a task; it names the package and the stage that failed
type ProvisionError struct {
	Code  string
	Name  string
	Stage ProvisionState
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision %s during %s: %v", e.Name, e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Downloader fetches a package from the coordinator
type Downloader interface {
	Download(ctx context.Context, code, dir string) (string, error)
}

type detectFunc func(ctx context.Context, d api.SoftwareDescriptor) bool

type installFunc func(ctx context.Context, pkg, target string, d api.SoftwareDescriptor) InstallResult

// Provisioner makes sure a task's software is present before it runs
type Provisioner struct {
	downloader Downloader
	logger     *zap.Logger
	tempDir    string
	installDir string
	sevenZip   string

	detectors  map[api.DetectionMethod]detectFunc
	installers map[api.PackageFormat]installFunc
}

// NewProvisioner creates a provisioner; packages download into tempDir and
// install under installDir unless a descriptor names its own target
func NewProvisioner(downloader Downloader, logger *zap.Logger, tempDir, installDir string) *Provisioner {
	p := &Provisioner{
		downloader: downloader,
		logger:     logger.With(zap.String("component", "provisioner")),
		tempDir:    tempDir,
		installDir: installDir,
		sevenZip:   findSevenZip(),
	}
	p.detectors = map[api.DetectionMethod]detectFunc{
		api.DetectFile:     detectFile,
		api.DetectProcess:  detectProcess,
		api.DetectRegistry: detectRegistry,
	}
	p.installers = map[api.PackageFormat]installFunc{
		api.FormatZip: p.installZip,
		api.FormatRar: p.installSevenZip,
		api.Format7z:  p.installSevenZip,
		api.FormatExe: p.installSilent,
		api.FormatMsi: p.installSilent,
	}
	return p
}

func findSevenZip() string {
	if path, err := exec.LookPath("7z"); err == nil {
		return path
	}
	if runtime.GOOS == "windows" {
		for _, p := range []string{`C:\Program Files\7-Zip\7z.exe`, `C:\Program Files (x86)\7-Zip\7z.exe`} {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// CheckInstalled reports whether the package is already present
func (p *Provisioner) CheckInstalled(ctx context.Context, d api.SoftwareDescriptor) bool {
	method := d.DetectionMethod
	if method == "" {
		method = api.DetectFile
	}
	fn, ok := p.detectors[method]
	if !ok {
		p.logger.Warn("Unknown detection method", zap.String("code", d.Code), zap.String("method", string(method)))
		return false
	}
	found := fn(ctx, d)
	p.logger.Debug("Detection finished",
		zap.String("code", d.Code),
		zap.String("method", string(method)),
		zap.Bool("installed", found),
	)
	return found
}

// verifiable reports whether detection can confirm a fresh install. A process
// check cannot, since nothing has been started yet.
func verifiable(d api.SoftwareDescriptor) bool {
	switch d.DetectionMethod {
	case "", api.DetectFile:
		return d.DetectionPath != ""
	case api.DetectRegistry:
		return d.DetectionKeyword != ""
	}
	return false
}

func detectFile(_ context.Context, d api.SoftwareDescriptor) bool {
	if d.DetectionPath == "" {
		return false
	}
	_, err := os.Stat(d.DetectionPath)
	return err == nil
}

func detectProcess(ctx context.Context, d api.SoftwareDescriptor) bool {
	keyword := d.DetectionKeyword
	if keyword == "" {
		return false
	}
	return findProcess(ctx, keyword) != nil
}

func detectRegistry(_ context.Context, d api.SoftwareDescriptor) bool {
	if d.DetectionKeyword == "" {
		return false
	}
	return registryKeyExists(d.DetectionKeyword)
}

// Provision walks the list in order. Installed packages are skipped; the first
// failure stops the walk and nothing already installed is rolled back.
func (p *Provisioner) Provision(ctx context.Context, list []api.SoftwareDescriptor) ([]ItemReport, error) {
	reports := make([]ItemReport, 0, len(list))
	for _, d := range list {
		report := ItemReport{Code: d.Code, State: StateNotChecked}
		name := d.Name
		if name == "" {
			name = d.Code
		}
		fail := func(stage ProvisionState, err error) ([]ItemReport, error) {
			report.State = StateFailed
			report.Error = err.Error()
			reports = append(reports, report)
			observability.AgentProvisioningTotal.WithLabelValues("failed").Inc()
			p.logger.Error("Provisioning failed",
				zap.String("code", d.Code),
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
			return reports, &ProvisionError{Code: d.Code, Name: name, Stage: stage, Err: err}
		}

		report.State = StateChecking
		if p.CheckInstalled(ctx, d) {
			report.State = StateInstalled
			report.Skipped = true
			report.ExePath = p.exePath(d, p.targetDir(d))
			reports = append(reports, report)
			observability.AgentProvisioningTotal.WithLabelValues("skipped").Inc()
			p.logger.Info("Software already installed", zap.String("code", d.Code))
			continue
		}

		report.State = StateDownloading
		pkg, err := p.downloader.Download(ctx, d.Code, p.tempDir)
		if err != nil {
			return fail(StateDownloading, err)
		}
		report.State = StateDownloaded

		report.State = StateInstalling
		res := p.Install(ctx, pkg, d)
		if !res.Success {
			return fail(StateInstalling, errors.New(res.Error))
		}
		_ = os.Remove(pkg)

		report.State = StateVerifying
		if verifiable(d) && !p.CheckInstalled(ctx, d) {
			return fail(StateVerifying, fmt.Errorf("installed but not detected by %s check", d.DetectionMethod))
		}

		report.State = StateInstalled
		report.ExePath = res.ExePath
		reports = append(reports, report)
		observability.AgentProvisioningTotal.WithLabelValues("installed").Inc()
		p.logger.Info("Software installed",
			zap.String("code", d.Code),
			zap.String("path", res.InstalledPath),
			zap.String("exe", res.ExePath),
		)
	}
	return reports, nil
}

// Install dispatches on the package format
func (p *Provisioner) Install(ctx context.Context, pkg string, d api.SoftwareDescriptor) InstallResult {
	format := d.PackageFormat
	if format == "" {
		format = formatFromExt(pkg)
	}
	fn, ok := p.installers[format]
	if !ok {
		return InstallResult{Error: fmt.Sprintf("unsupported package format %q", format)}
	}
	return fn(ctx, pkg, p.targetDir(d), d)
}

func formatFromExt(pkg string) api.PackageFormat {
	return api.PackageFormat(strings.TrimPrefix(strings.ToLower(filepath.Ext(pkg)), "."))
}

func (p *Provisioner) targetDir(d api.SoftwareDescriptor) string {
	target := p.installRoot(d)
	if d.SubfolderName != "" {
		target = filepath.Join(target, d.SubfolderName)
	}
	return target
}

func (p *Provisioner) installRoot(d api.SoftwareDescriptor) string {
	if d.TargetInstallPath != "" {
		return d.TargetInstallPath
	}
	return p.installDir
}

// Uninstall removes the package's own subfolder. Packages installed straight
// into a shared directory are refused, as is any subfolder that resolves
// outside its install root.
func (p *Provisioner) Uninstall(d api.SoftwareDescriptor) (string, error) {
	if strings.TrimSpace(d.SubfolderName) == "" {
		return "", fmt.Errorf("refusing to uninstall %s: it has no subfolder_name and shares its install directory", d.Code)
	}
	root := filepath.Clean(p.installRoot(d))
	target := filepath.Clean(p.targetDir(d))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("refusing to uninstall %s: %s is not inside %s", d.Code, target, root)
	}
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("failed to remove %s: %w", target, err)
	}
	p.logger.Info("Software uninstalled", zap.String("code", d.Code), zap.String("path", target))
	return target, nil
}

// exePath prefers an explicit relative path, then the detection path, then the
// first executable found under the install dir
func (p *Provisioner) exePath(d api.SoftwareDescriptor, target string) string {
	if d.MainExeRelativePath != "" {
		path := filepath.Join(target, d.MainExeRelativePath)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if d.DetectionMethod == api.DetectFile && d.DetectionPath != "" {
		if info, err := os.Stat(d.DetectionPath); err == nil && !info.IsDir() {
			return d.DetectionPath
		}
	}
	return findExecutable(target)
}

func findExecutable(dir string) string {
	var found string
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".exe") {
			found = path
			return fs.SkipAll
		}
		if runtime.GOOS != "windows" {
			if info, err := entry.Info(); err == nil && info.Mode()&0111 != 0 {
				found = path
				return fs.SkipAll
			}
		}
		return nil
	})
	return found
}

func (p *Provisioner) installZip(ctx context.Context, pkg, target string, d api.SoftwareDescriptor) InstallResult {
	ctx, cancel := context.WithTimeout(ctx, ExtractTimeout)
	defer cancel()
	if err := extractZip(ctx, pkg, target); err != nil {
		return InstallResult{Error: fmt.Sprintf("zip extraction failed: %v", err)}
	}
	return InstallResult{Success: true, InstalledPath: target, ExePath: p.exePath(d, target)}
}

func extractZip(ctx context.Context, archive, target string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	root, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(root, f.Name)
		if dest != root && !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
			return fmt.Errorf("entry %q escapes the target directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			continue
		}
		if err := writeZipEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *Provisioner) installSevenZip(ctx context.Context, pkg, target string, d api.SoftwareDescriptor) InstallResult {
	if p.sevenZip == "" {
		return InstallResult{Error: "7-Zip is not installed"}
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return InstallResult{Error: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, ExtractTimeout)
	defer cancel()

	// #nosec G204
	out, err := exec.CommandContext(ctx, p.sevenZip, "x", pkg, "-o"+target, "-y").CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return InstallResult{Error: fmt.Sprintf("extraction timed out after %s", ExtractTimeout)}
	}
	if err != nil {
		return InstallResult{Error: fmt.Sprintf("7z extraction failed: %v: %s", err, strings.TrimSpace(string(out)))}
	}
	return InstallResult{Success: true, InstalledPath: target, ExePath: p.exePath(d, target)}
}

// silentInstallCommand builds the unattended installer invocation
func silentInstallCommand(pkg string, d api.SoftwareDescriptor) (string, []string) {
	extra := strings.Fields(d.SilentInstallCmd)
	if strings.EqualFold(filepath.Ext(pkg), ".msi") || d.PackageFormat == api.FormatMsi {
		return "msiexec", append([]string{"/i", pkg, "/qn"}, extra...)
	}
	return pkg, extra
}

func (p *Provisioner) installSilent(ctx context.Context, pkg, target string, d api.SoftwareDescriptor) InstallResult {
	ctx, cancel := context.WithTimeout(ctx, InstallTimeout)
	defer cancel()

	name, args := silentInstallCommand(pkg, d)
	p.logger.Info("Running installer", zap.String("command", name), zap.Strings("args", args))
	// #nosec G204
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return InstallResult{Error: fmt.Sprintf("installation timed out after %s", InstallTimeout)}
	}
	if err != nil {
		return InstallResult{Error: fmt.Sprintf("install failed: %v: %s", err, strings.TrimSpace(string(out)))}
	}
	return InstallResult{Success: true, InstalledPath: target, ExePath: p.exePath(d, target)}
}
