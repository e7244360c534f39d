package robustness

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/device"
	"github.com/ethpandaops/dvtoor/pkg/result"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/sirupsen/logrus"
)

// Scenario is a power, reset, hot-swap or management scenario.
type Scenario string

// Supported scenarios, in execution order.
const (
	ACPowerCycle    Scenario = "ac_power_cycle"
	IPMIPowerCycle  Scenario = "ipmi_power_cycle"
	IPMIReboot      Scenario = "ipmi_reboot"
	OSReboot        Scenario = "os_reboot"
	SMBusMonitoring Scenario = "smbus_monitoring"
	CtrlReset       Scenario = "ctrl_reset"
	NSSRReset       Scenario = "nssr_reset"
	FLRReset        Scenario = "flr_reset"
	HotReset        Scenario = "hot_reset"
	QuarchHotSwap   Scenario = "quarch_hot_swap"
	QuarchGlitch    Scenario = "quarch_glitch"
	NVMeMIOpenBMC   Scenario = "nvme_mi_openbmc"
	ITPCscript      Scenario = "itp_cscript"
)

// DefaultACPowerCycles is used when ac_power_cycles is not set.
const DefaultACPowerCycles = 100

const (
	powerCycleDuration = 500 * time.Millisecond
	integrityDuration  = 200 * time.Millisecond
	functionalDuration = 100 * time.Millisecond
)

type scenarioSpec struct {
	scenario    Scenario
	description string
	duration    time.Duration
	// monitor scenarios observe the device and skip the post-test checks.
	monitor bool
}

var catalog = []scenarioSpec{
	{scenario: ACPowerCycle, description: "AC power cycle", duration: powerCycleDuration},
	{scenario: IPMIPowerCycle, description: "IPMI power cycle", duration: 2 * time.Second},
	{scenario: IPMIReboot, description: "IPMI reboot", duration: 1500 * time.Millisecond},
	{scenario: OSReboot, description: "OS reboot", duration: 1200 * time.Millisecond},
	{scenario: SMBusMonitoring, description: "SMBus monitoring (JBOF, serial cables)", duration: 2500 * time.Millisecond, monitor: true},
	{scenario: CtrlReset, description: "Controller reset", duration: time.Second},
	{scenario: NSSRReset, description: "NVM subsystem reset", duration: time.Second},
	{scenario: FLRReset, description: "Function level reset", duration: time.Second},
	{scenario: HotReset, description: "Hot reset", duration: time.Second},
	{scenario: QuarchHotSwap, description: "Quarch hot swap", duration: 2 * time.Second},
	{scenario: QuarchGlitch, description: "Quarch glitch injection", duration: 1800 * time.Millisecond},
	{scenario: NVMeMIOpenBMC, description: "NVMe-MI over OpenBMC", duration: 2200 * time.Millisecond, monitor: true},
	{scenario: ITPCscript, description: "ITP Cscript", duration: 1500 * time.Millisecond, monitor: true},
}

// Params are the robustness specific suite parameters.
type Params struct {
	ACPowerCycles int `mapstructure:"ac_power_cycles"`
}

// Result is the outcome of one robustness scenario.
type Result struct {
	Scenario            Scenario
	Description         string
	Passed              bool
	RecoveryTimeSeconds float64
	DataIntegrity       bool
	FunctionalAfter     bool
	CycleCount          int
	DurationSeconds     float64
	ErrorMessage        string
}

// Group implements suite.RawResult.
func (r *Result) Group() string {
	return string(r.Scenario)
}

// Module exercises drive behaviour across power loss, resets and hot swap.
type Module struct {
	log   logrus.FieldLogger
	probe device.Probe
	pacer suite.Pacer
}

// Compile-time interface check.
var _ suite.Module = (*Module)(nil)

// New creates the system robustness module.
func New(log logrus.FieldLogger, probe device.Probe, pacer suite.Pacer) *Module {
	return &Module{
		log:   log.WithField("module", string(suite.CategorySystemRobustness)),
		probe: probe,
		pacer: pacer,
	}
}

// Describe implements suite.Module.
func (m *Module) Describe() suite.Descriptor {
	groups := make([]string, 0, len(catalog))
	for _, s := range catalog {
		groups = append(groups, string(s.scenario))
	}

	return suite.Descriptor{
		Category: suite.CategorySystemRobustness,
		Module:   "SystemRobustnessTester",
		Groups:   groups,
	}
}

// Run executes the selected scenarios sequentially.
func (m *Module) Run(
	ctx context.Context,
	suiteType string,
	params suite.Params,
) ([]suite.RawResult, error) {
	p := Params{ACPowerCycles: DefaultACPowerCycles}
	if err := params.Decode(&p); err != nil {
		return nil, err
	}

	if p.ACPowerCycles <= 0 {
		return nil, fmt.Errorf("ac_power_cycles must be positive, got %d", p.ACPowerCycles)
	}

	if err := m.probe.Verify(ctx, params.DevicePath); err != nil {
		return nil, fmt.Errorf("verifying device: %w", err)
	}

	selected := m.Describe().Select(suiteType)
	results := make([]suite.RawResult, 0, len(selected))

	for _, spec := range catalog {
		if !slices.Contains(selected, string(spec.scenario)) {
			continue
		}

		m.log.WithField("scenario", spec.scenario).Info("Starting robustness scenario")

		var (
			res *Result
			err error
		)

		start := time.Now()

		switch {
		case spec.scenario == ACPowerCycle:
			res, err = m.powerCycle(ctx, params.DevicePath, spec, p.ACPowerCycles)
		case spec.monitor:
			res, err = m.monitorScenario(ctx, spec)
		default:
			res, err = m.verifiedScenario(ctx, params.DevicePath, spec)
		}

		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.scenario, err)
		}

		res.DurationSeconds = time.Since(start).Seconds()
		results = append(results, res)
	}

	return results, nil
}

// powerCycle repeats the AC power cycle and stops at the first cycle that
// loses data integrity or leaves the device non-functional.
func (m *Module) powerCycle(
	ctx context.Context,
	path string,
	spec scenarioSpec,
	cycles int,
) (*Result, error) {
	res := &Result{Scenario: spec.scenario, Description: spec.description}

	for cycle := 1; cycle <= cycles; cycle++ {
		recovery, err := suite.Timed(func() error {
			return m.pacer.Wait(ctx, spec.duration)
		})
		if err != nil {
			return nil, err
		}

		integrity, functional, err := m.postChecks(ctx, path)
		if err != nil {
			return nil, err
		}

		res.RecoveryTimeSeconds = recovery
		res.CycleCount = cycle
		res.DataIntegrity = integrity
		res.FunctionalAfter = functional

		if !integrity || !functional {
			res.ErrorMessage = fmt.Sprintf("Failed at cycle %d", cycle)

			return res, nil
		}

		m.log.WithField("cycle", fmt.Sprintf("%d/%d", cycle, cycles)).
			Debug("AC power cycle completed")
	}

	res.Passed = true

	return res, nil
}

func (m *Module) verifiedScenario(
	ctx context.Context,
	path string,
	spec scenarioSpec,
) (*Result, error) {
	recovery, err := suite.Timed(func() error {
		return m.pacer.Wait(ctx, spec.duration)
	})
	if err != nil {
		return nil, err
	}

	integrity, functional, err := m.postChecks(ctx, path)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Scenario:            spec.scenario,
		Description:         spec.description,
		Passed:              integrity && functional,
		RecoveryTimeSeconds: recovery,
		DataIntegrity:       integrity,
		FunctionalAfter:     functional,
		CycleCount:          1,
	}

	if !res.Passed {
		res.ErrorMessage = fmt.Sprintf("%s left the device degraded", spec.description)
	}

	return res, nil
}

func (m *Module) monitorScenario(ctx context.Context, spec scenarioSpec) (*Result, error) {
	elapsed, err := suite.Timed(func() error {
		return m.pacer.Wait(ctx, spec.duration)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Scenario:            spec.scenario,
		Description:         spec.description,
		Passed:              true,
		RecoveryTimeSeconds: elapsed,
		DataIntegrity:       true,
		FunctionalAfter:     true,
		CycleCount:          1,
	}, nil
}

func (m *Module) postChecks(ctx context.Context, path string) (bool, bool, error) {
	if err := m.pacer.Wait(ctx, integrityDuration); err != nil {
		return false, false, err
	}

	integrity := m.probe.DataIntegrity(ctx, path)

	if err := m.pacer.Wait(ctx, functionalDuration); err != nil {
		return false, false, err
	}

	return integrity, m.probe.Functional(ctx, path), nil
}

// Normalize implements suite.Module.
func (m *Module) Normalize(raw suite.RawResult) result.Record {
	r, ok := raw.(*Result)
	if !ok {
		return result.Record{
			Category: string(suite.CategorySystemRobustness),
			TestID:   fmt.Sprintf("%s/%s", suite.CategorySystemRobustness, raw.Group()),
			Error:    result.Errorf("unexpected result type %T", raw),
		}
	}

	rec := result.Record{
		Category:        string(suite.CategorySystemRobustness),
		TestID:          fmt.Sprintf("%s/%s", suite.CategorySystemRobustness, r.Scenario),
		Passed:          r.Passed,
		DurationSeconds: r.DurationSeconds,
		Metrics: map[string]float64{
			"recovery_time_seconds":        r.RecoveryTimeSeconds,
			"data_integrity_maintained":    result.Bool(r.DataIntegrity),
			"device_functional_after_test": result.Bool(r.FunctionalAfter),
			"cycle_count":                  float64(r.CycleCount),
		},
		Diagnostics: []string{r.Description},
	}

	if r.ErrorMessage != "" {
		rec.Error = result.Errorf("%s", r.ErrorMessage)
	}

	return rec
}
