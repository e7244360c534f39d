package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrUnavailable is returned when a device cannot be reached at all.
var ErrUnavailable = errors.New("device unavailable")

// Probe inspects a target device on behalf of the test modules.
//
// Verify returns an error when the suite cannot run against the device at
// all. The boolean checks report outcomes of individual health checks and
// never fail for expected negative results.
type Probe interface {
	Verify(ctx context.Context, path string) error
	Accessible(ctx context.Context, path string) bool
	DataIntegrity(ctx context.Context, path string) bool
	Functional(ctx context.Context, path string) bool
	Check(ctx context.Context, path, name string) bool
}

// Faults configures failure injection for the simulated probe.
type Faults struct {
	MissingDevices      []string `yaml:"missing_devices,omitempty" mapstructure:"missing_devices"`
	InaccessibleDevices []string `yaml:"inaccessible_devices,omitempty" mapstructure:"inaccessible_devices"`
	FailingChecks       []string `yaml:"failing_checks,omitempty" mapstructure:"failing_checks"`
	IntegrityFailures   bool     `yaml:"integrity_failures,omitempty" mapstructure:"integrity_failures"`
}

// Simulated is a probe with canned outcomes. Everything is healthy unless
// listed in Faults.
type Simulated struct {
	Faults Faults
}

// Compile-time interface check.
var _ Probe = (*Simulated)(nil)

// NewSimulated creates a simulated probe.
func NewSimulated(faults Faults) *Simulated {
	return &Simulated{Faults: faults}
}

// Verify fails for devices listed as missing.
func (s *Simulated) Verify(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if slices.Contains(s.Faults.MissingDevices, path) {
		return fmt.Errorf("%w: %s not found", ErrUnavailable, path)
	}

	return nil
}

// Accessible reports false for missing or inaccessible devices.
func (s *Simulated) Accessible(_ context.Context, path string) bool {
	return !slices.Contains(s.Faults.MissingDevices, path) &&
		!slices.Contains(s.Faults.InaccessibleDevices, path)
}

// DataIntegrity reports whether data survived the last operation.
func (s *Simulated) DataIntegrity(ctx context.Context, path string) bool {
	return !s.Faults.IntegrityFailures && s.Accessible(ctx, path)
}

// Functional reports whether the device still responds.
func (s *Simulated) Functional(ctx context.Context, path string) bool {
	return s.Accessible(ctx, path)
}

// Check reports whether a named compliance check passes.
func (s *Simulated) Check(_ context.Context, _ string, name string) bool {
	return !slices.Contains(s.Faults.FailingChecks, name)
}
