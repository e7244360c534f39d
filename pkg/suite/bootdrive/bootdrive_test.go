package bootdrive

import (
	"context"
	"testing"

	"github.com/ethpandaops/dvtoor/pkg/device"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProbe reports the device accessible for the first n calls only.
type flakyProbe struct {
	device.Simulated
	calls      int
	healthyFor int
}

func (p *flakyProbe) Accessible(_ context.Context, _ string) bool {
	p.calls++

	return p.calls <= p.healthyFor
}

func newModule(probe device.Probe) *Module {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return New(log, probe, suite.Pacer{})
}

func TestRun_FullSuiteReportsEveryOS(t *testing.T) {
	m := newModule(device.NewSimulated(device.Faults{}))

	raws, err := m.Run(context.Background(), suite.TypeFull, suite.Params{DevicePath: "/dev/x"})
	require.NoError(t, err)
	require.Len(t, raws, 3)

	set := suite.Collect(m, suite.TypeFull, raws)
	assert.Equal(t, []string{"ubuntu", "centos", "windows_2019"}, set.Names())

	for _, name := range set.Names() {
		g, ok := set.Group(name)
		require.True(t, ok)
		require.Len(t, g.Records, 1)

		rec := g.Records[0]
		assert.True(t, rec.Passed, name)
		assert.Nil(t, rec.Error)

		for _, metric := range []string{
			"install_success", "boot_success", "boot_time_seconds", "usability_test_passed",
		} {
			_, ok := rec.Metric(metric)
			assert.True(t, ok, "missing %s for %s", metric, name)
		}
	}
}

func TestRun_SingleOS(t *testing.T) {
	m := newModule(device.NewSimulated(device.Faults{}))

	raws, err := m.Run(context.Background(), "centos", suite.Params{DevicePath: "/dev/x"})
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, "centos", raws[0].Group())
}

func TestRun_StagesShortCircuit(t *testing.T) {
	tests := []struct {
		name        string
		probe       device.Probe
		wantInstall bool
		wantBoot    bool
		wantUsable  bool
		wantError   string
	}{
		{
			name:      "install fails",
			probe:     device.NewSimulated(device.Faults{InaccessibleDevices: []string{"/dev/x"}}),
			wantError: "OS installation failed",
		},
		{
			name:        "boot fails",
			probe:       &flakyProbe{healthyFor: 1},
			wantInstall: true,
			wantError:   "OS boot failed",
		},
		{
			name: "usability fails",
			probe: device.NewSimulated(device.Faults{
				FailingChecks: []string{checkName(Ubuntu, "df -h")},
			}),
			wantInstall: true,
			wantBoot:    true,
			wantError:   "Usability tests failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModule(tt.probe)

			raws, err := m.Run(context.Background(), string(Ubuntu), suite.Params{DevicePath: "/dev/x"})
			require.NoError(t, err, "negative outcomes must not surface as errors")
			require.Len(t, raws, 1)

			res := raws[0].(*Result)
			assert.Equal(t, tt.wantInstall, res.InstallSuccess)
			assert.Equal(t, tt.wantBoot, res.BootSuccess)
			assert.Equal(t, tt.wantUsable, res.UsabilityPassed)
			assert.Equal(t, tt.wantError, res.ErrorMessage)

			rec := m.Normalize(res)
			assert.False(t, rec.Passed)
			assert.Equal(t, tt.wantError, rec.ErrorMessage())
		})
	}
}

func TestRun_MissingDeviceIsInfrastructureError(t *testing.T) {
	m := newModule(device.NewSimulated(device.Faults{MissingDevices: []string{"/dev/x"}}))

	_, err := m.Run(context.Background(), suite.TypeFull, suite.Params{DevicePath: "/dev/x"})
	require.ErrorIs(t, err, device.ErrUnavailable)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newModule(device.NewSimulated(device.Faults{}))

	_, err := m.Run(ctx, suite.TypeFull, suite.Params{DevicePath: "/dev/x"})
	require.ErrorIs(t, err, context.Canceled)
}
