package bootdrive

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/device"
	"github.com/ethpandaops/dvtoor/pkg/result"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/sirupsen/logrus"
)

// OS is an operating system the drive must install and boot.
type OS string

// Supported operating systems.
const (
	Ubuntu      OS = "ubuntu"
	CentOS      OS = "centos"
	Windows2019 OS = "windows_2019"
)

// Simulated stage durations.
const (
	installDuration = 2 * time.Second
	bootDuration    = 1500 * time.Millisecond
	commandDuration = 100 * time.Millisecond
	probeDuration   = 100 * time.Millisecond
)

var supportedOS = []OS{Ubuntu, CentOS, Windows2019}

var usabilityCommands = map[OS][]string{
	Ubuntu:      {"ls -la /", "df -h", "free -m", "uname -a"},
	CentOS:      {"ls -la /", "df -h", "free -m", "uname -a"},
	Windows2019: {`dir C:\`, "systeminfo", "wmic diskdrive list brief"},
}

// Result is the outcome of installing, booting and using one OS.
type Result struct {
	OS              OS
	InstallSuccess  bool
	BootSuccess     bool
	BootTimeSeconds float64
	UsabilityPassed bool
	DurationSeconds float64
	ErrorMessage    string
	Logs            []string
}

// Group implements suite.RawResult.
func (r *Result) Group() string {
	return string(r.OS)
}

// Module tests OS installation and boot from the drive under test.
type Module struct {
	log   logrus.FieldLogger
	probe device.Probe
	pacer suite.Pacer
}

// Compile-time interface check.
var _ suite.Module = (*Module)(nil)

// New creates the boot drive module.
func New(log logrus.FieldLogger, probe device.Probe, pacer suite.Pacer) *Module {
	return &Module{
		log:   log.WithField("module", string(suite.CategoryBootDrive)),
		probe: probe,
		pacer: pacer,
	}
}

// Describe implements suite.Module.
func (m *Module) Describe() suite.Descriptor {
	groups := make([]string, 0, len(supportedOS))
	for _, os := range supportedOS {
		groups = append(groups, string(os))
	}

	return suite.Descriptor{
		Category: suite.CategoryBootDrive,
		Module:   "BootDriveTester",
		Groups:   groups,
	}
}

// Run installs and boots every selected OS in turn.
func (m *Module) Run(
	ctx context.Context,
	suiteType string,
	params suite.Params,
) ([]suite.RawResult, error) {
	if err := m.probe.Verify(ctx, params.DevicePath); err != nil {
		return nil, fmt.Errorf("verifying boot device: %w", err)
	}

	selected := m.Describe().Select(suiteType)
	results := make([]suite.RawResult, 0, len(selected))

	for _, name := range selected {
		os := OS(name)

		m.log.WithField("os", os).Info("Starting boot test")

		res, err := m.testOS(ctx, params.DevicePath, os)
		if err != nil {
			return nil, fmt.Errorf("boot test for %s: %w", os, err)
		}

		results = append(results, res)
	}

	return results, nil
}

// testOS runs the install, boot and usability stages. The first failing
// stage ends the test for that OS.
func (m *Module) testOS(ctx context.Context, path string, os OS) (*Result, error) {
	start := time.Now()
	res := &Result{OS: os}

	defer func() {
		res.DurationSeconds = time.Since(start).Seconds()
	}()

	installed, err := m.install(ctx, path, os)
	if err != nil {
		return nil, err
	}

	res.InstallSuccess = installed
	if !installed {
		res.ErrorMessage = "OS installation failed"
		res.Logs = append(res.Logs, fmt.Sprintf("%s installation failed: drive not accessible", os))

		return res, nil
	}

	res.Logs = append(res.Logs, fmt.Sprintf("%s installation completed", os))

	booted, bootTime, err := m.boot(ctx, path)
	if err != nil {
		return nil, err
	}

	res.BootSuccess = booted
	res.BootTimeSeconds = bootTime

	if !booted {
		res.ErrorMessage = "OS boot failed"
		res.Logs = append(res.Logs, fmt.Sprintf("%s boot failed", os))

		return res, nil
	}

	res.Logs = append(res.Logs, fmt.Sprintf("%s booted in %.2f seconds", os, bootTime))

	usable, logs, err := m.usability(ctx, path, os)
	if err != nil {
		return nil, err
	}

	res.UsabilityPassed = usable
	res.Logs = append(res.Logs, logs...)

	if !usable {
		res.ErrorMessage = "Usability tests failed"
	}

	return res, nil
}

func (m *Module) install(ctx context.Context, path string, os OS) (bool, error) {
	m.log.WithField("os", os).Debug("Installing OS")

	if err := m.pacer.Wait(ctx, installDuration); err != nil {
		return false, err
	}

	return m.accessible(ctx, path)
}

func (m *Module) boot(ctx context.Context, path string) (bool, float64, error) {
	var ok bool

	elapsed, err := suite.Timed(func() error {
		if err := m.pacer.Wait(ctx, bootDuration); err != nil {
			return err
		}

		var err error
		ok, err = m.accessible(ctx, path)

		return err
	})
	if err != nil {
		return false, 0, err
	}

	return ok, elapsed, nil
}

func (m *Module) usability(ctx context.Context, path string, os OS) (bool, []string, error) {
	commands := usabilityCommands[os]
	logs := make([]string, 0, len(commands))

	for _, cmd := range commands {
		if err := m.pacer.Wait(ctx, commandDuration); err != nil {
			return false, nil, err
		}

		if !m.probe.Check(ctx, path, checkName(os, cmd)) {
			logs = append(logs, fmt.Sprintf("command %q failed", cmd))

			return false, logs, nil
		}

		logs = append(logs, fmt.Sprintf("command %q succeeded", cmd))
	}

	return true, logs, nil
}

func (m *Module) accessible(ctx context.Context, path string) (bool, error) {
	if err := m.pacer.Wait(ctx, probeDuration); err != nil {
		return false, err
	}

	return m.probe.Accessible(ctx, path), nil
}

// checkName is the probe check consulted for a usability command.
func checkName(os OS, cmd string) string {
	return fmt.Sprintf("boot_drive.%s.%s", os, cmd)
}

// Normalize implements suite.Module.
func (m *Module) Normalize(raw suite.RawResult) result.Record {
	r, ok := raw.(*Result)
	if !ok {
		return result.Record{
			Category: string(suite.CategoryBootDrive),
			TestID:   fmt.Sprintf("%s/%s", suite.CategoryBootDrive, raw.Group()),
			Error:    result.Errorf("unexpected result type %T", raw),
		}
	}

	rec := result.Record{
		Category:        string(suite.CategoryBootDrive),
		TestID:          fmt.Sprintf("%s/%s", suite.CategoryBootDrive, r.OS),
		Passed:          r.InstallSuccess && r.BootSuccess && r.UsabilityPassed,
		DurationSeconds: r.DurationSeconds,
		Metrics: map[string]float64{
			"install_success":       result.Bool(r.InstallSuccess),
			"boot_success":          result.Bool(r.BootSuccess),
			"boot_time_seconds":     r.BootTimeSeconds,
			"usability_test_passed": result.Bool(r.UsabilityPassed),
		},
		Diagnostics: append([]string(nil), r.Logs...),
	}

	if r.ErrorMessage != "" {
		rec.Error = result.Errorf("%s", r.ErrorMessage)
	}

	return rec
}
