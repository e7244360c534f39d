package datadrive

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/dvtoor/pkg/device"
	"github.com/ethpandaops/dvtoor/pkg/result"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/sirupsen/logrus"
)

// Workload is an access mode exercised against the drives.
type Workload string

// Supported workloads.
const (
	DirectAccess     Workload = "direct_access"
	FilesystemAccess Workload = "filesystem_access"
	SWRAIDAccess     Workload = "sw_raid_access"
)

// RAIDLevel is a software RAID configuration.
type RAIDLevel string

// Supported RAID levels.
const (
	RAID0 RAIDLevel = "raid_0"
	RAID1 RAIDLevel = "raid_1"
	RAID5 RAIDLevel = "raid_5"
	RAID6 RAIDLevel = "raid_6"
)

// Simulated workload durations.
const (
	directDuration     = 2 * time.Second
	filesystemDuration = 1500 * time.Millisecond
	raidDuration       = 3 * time.Second
)

var (
	workloads          = []Workload{DirectAccess, FilesystemAccess, SWRAIDAccess}
	raidLevels         = []RAIDLevel{RAID0, RAID1, RAID5, RAID6}
	defaultFilesystems = []string{"ext4", "xfs", "ntfs"}

	minDevices = map[RAIDLevel]int{
		RAID0: 2,
		RAID1: 2,
		RAID5: 3,
		RAID6: 4,
	}

	raidPerformance = map[RAIDLevel]performance{
		RAID0: {throughputMBps: 6000, iops: 800000, latencyMs: 0.06},
		RAID1: {throughputMBps: 3200, iops: 420000, latencyMs: 0.10},
		RAID5: {throughputMBps: 4500, iops: 600000, latencyMs: 0.15},
		RAID6: {throughputMBps: 4000, iops: 550000, latencyMs: 0.18},
	}

	directPerformance     = performance{throughputMBps: 3500, iops: 450000, latencyMs: 0.08}
	filesystemPerformance = performance{throughputMBps: 3200, iops: 420000, latencyMs: 0.12}
)

type performance struct {
	throughputMBps float64
	iops           int
	latencyMs      float64
}

// MinDevices returns how many backing devices a RAID level needs.
func MinDevices(level RAIDLevel) int {
	if n, ok := minDevices[level]; ok {
		return n
	}

	return 2
}

// Params are the data drive specific suite parameters.
type Params struct {
	Filesystems []string `mapstructure:"filesystems"`
	RAIDLevels  []string `mapstructure:"raid_levels"`
}

// Result is the outcome of one workload run.
type Result struct {
	Workload        Workload
	RAIDLevel       RAIDLevel
	Devices         []string
	Filesystem      string
	Passed          bool
	ThroughputMBps  float64
	IOPS            int
	LatencyMs       float64
	ErrorRate       float64
	DurationSeconds float64
	ErrorMessage    string
}

// Group implements suite.RawResult.
func (r *Result) Group() string {
	return string(r.Workload)
}

// Module validates drives as data drives under several access modes.
type Module struct {
	log   logrus.FieldLogger
	probe device.Probe
	pacer suite.Pacer
}

// Compile-time interface check.
var _ suite.Module = (*Module)(nil)

// New creates the data drive module.
func New(log logrus.FieldLogger, probe device.Probe, pacer suite.Pacer) *Module {
	return &Module{
		log:   log.WithField("module", string(suite.CategoryDataDrive)),
		probe: probe,
		pacer: pacer,
	}
}

// Describe implements suite.Module.
func (m *Module) Describe() suite.Descriptor {
	groups := make([]string, 0, len(workloads))
	for _, w := range workloads {
		groups = append(groups, string(w))
	}

	return suite.Descriptor{
		Category: suite.CategoryDataDrive,
		Module:   "DataDriveValidator",
		Groups:   groups,
		Multi:    true,
	}
}

// Run executes the selected workloads against every configured device.
func (m *Module) Run(
	ctx context.Context,
	suiteType string,
	params suite.Params,
) ([]suite.RawResult, error) {
	var p Params
	if err := params.Decode(&p); err != nil {
		return nil, err
	}

	if len(p.Filesystems) == 0 {
		p.Filesystems = defaultFilesystems
	}

	levels, err := parseLevels(p.RAIDLevels)
	if err != nil {
		return nil, err
	}

	devices := params.Targets()
	for _, dev := range devices {
		if err := m.probe.Verify(ctx, dev); err != nil {
			return nil, fmt.Errorf("verifying data device: %w", err)
		}
	}

	var results []suite.RawResult

	for _, name := range m.Describe().Select(suiteType) {
		var (
			batch []*Result
			err   error
		)

		switch Workload(name) {
		case DirectAccess:
			batch, err = m.directAccess(ctx, devices)
		case FilesystemAccess:
			batch, err = m.filesystemAccess(ctx, devices, p.Filesystems)
		case SWRAIDAccess:
			batch, err = m.raidAccess(ctx, devices, levels)
		}

		if err != nil {
			return nil, fmt.Errorf("%s workload: %w", name, err)
		}

		for _, r := range batch {
			results = append(results, r)
		}
	}

	return results, nil
}

func parseLevels(names []string) ([]RAIDLevel, error) {
	if len(names) == 0 {
		return raidLevels, nil
	}

	out := make([]RAIDLevel, 0, len(names))

	for _, n := range names {
		level := RAIDLevel(strings.ToLower(n))
		if !slices.Contains(raidLevels, level) {
			return nil, fmt.Errorf("unsupported raid level %q", n)
		}

		out = append(out, level)
	}

	return out, nil
}

func (m *Module) directAccess(ctx context.Context, devices []string) ([]*Result, error) {
	m.log.Info("Starting direct access workload")

	out := make([]*Result, 0, len(devices))

	for _, dev := range devices {
		res, err := m.workload(ctx, DirectAccess, []string{dev}, directDuration, directPerformance)
		if err != nil {
			return nil, err
		}

		out = append(out, res)
	}

	return out, nil
}

func (m *Module) filesystemAccess(
	ctx context.Context,
	devices []string,
	filesystems []string,
) ([]*Result, error) {
	m.log.Info("Starting filesystem access workload")

	out := make([]*Result, 0, len(devices)*len(filesystems))

	for _, dev := range devices {
		for _, fs := range filesystems {
			res, err := m.workload(
				ctx, FilesystemAccess, []string{dev}, filesystemDuration, filesystemPerformance,
			)
			if err != nil {
				return nil, err
			}

			res.Filesystem = fs
			out = append(out, res)
		}
	}

	return out, nil
}

// raidAccess assembles every RAID level the device count allows. Levels
// needing more devices than configured are skipped, not failed.
func (m *Module) raidAccess(
	ctx context.Context,
	devices []string,
	levels []RAIDLevel,
) ([]*Result, error) {
	m.log.Info("Starting SW RAID access workload")

	out := make([]*Result, 0, len(levels))

	for _, level := range levels {
		need := MinDevices(level)
		if len(devices) < need {
			m.log.WithFields(logrus.Fields{
				"raid_level": level,
				"required":   need,
				"available":  len(devices),
			}).Warn("Insufficient devices for RAID level")

			continue
		}

		res, err := m.workload(ctx, SWRAIDAccess, devices, raidDuration, raidPerformance[level])
		if err != nil {
			return nil, err
		}

		res.RAIDLevel = level
		out = append(out, res)
	}

	return out, nil
}

func (m *Module) workload(
	ctx context.Context,
	w Workload,
	devices []string,
	d time.Duration,
	perf performance,
) (*Result, error) {
	res := &Result{Workload: w, Devices: slices.Clone(devices)}

	elapsed, err := suite.Timed(func() error {
		return m.pacer.Wait(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	res.DurationSeconds = elapsed

	for _, dev := range devices {
		if !m.probe.Accessible(ctx, dev) {
			res.ErrorRate = 1
			res.ErrorMessage = fmt.Sprintf("device %s not accessible", dev)

			return res, nil
		}
	}

	res.Passed = true
	res.ThroughputMBps = perf.throughputMBps
	res.IOPS = perf.iops
	res.LatencyMs = perf.latencyMs

	return res, nil
}

// Normalize implements suite.Module.
func (m *Module) Normalize(raw suite.RawResult) result.Record {
	r, ok := raw.(*Result)
	if !ok {
		return result.Record{
			Category: string(suite.CategoryDataDrive),
			TestID:   fmt.Sprintf("%s/%s", suite.CategoryDataDrive, raw.Group()),
			Error:    result.Errorf("unexpected result type %T", raw),
		}
	}

	rec := result.Record{
		Category:        string(suite.CategoryDataDrive),
		TestID:          testID(r),
		Passed:          r.Passed,
		DurationSeconds: r.DurationSeconds,
		Metrics: map[string]float64{
			"throughput_mbps": r.ThroughputMBps,
			"iops":            float64(r.IOPS),
			"latency_ms":      r.LatencyMs,
			"error_rate":      r.ErrorRate,
		},
		Diagnostics: []string{
			"devices: " + strings.Join(r.Devices, ","),
		},
	}

	if r.Passed {
		rec.Diagnostics = append(rec.Diagnostics, fmt.Sprintf(
			"throughput %s/s, %d IOPS, %.2f ms latency",
			units.HumanSize(r.ThroughputMBps*1e6), r.IOPS, r.LatencyMs,
		))
	}

	if r.RAIDLevel != "" {
		rec.Metrics["min_devices"] = float64(MinDevices(r.RAIDLevel))
	}

	if r.ErrorMessage != "" {
		rec.Error = result.Errorf("%s", r.ErrorMessage)
	}

	return rec
}

func testID(r *Result) string {
	parts := []string{string(suite.CategoryDataDrive), string(r.Workload)}

	switch r.Workload {
	case SWRAIDAccess:
		parts = append(parts, string(r.RAIDLevel))
	case FilesystemAccess:
		parts = append(parts, strings.Join(r.Devices, "+"), r.Filesystem)
	default:
		parts = append(parts, strings.Join(r.Devices, "+"))
	}

	return strings.Join(parts, "/")
}
