package certification

import (
	"context"
	"testing"

	"github.com/ethpandaops/dvtoor/pkg/device"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModule(faults device.Faults) *Module {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return New(log, device.NewSimulated(faults), suite.Pacer{})
}

func TestRun_AllProgramsPass(t *testing.T) {
	m := newModule(device.Faults{})

	raws, err := m.Run(context.Background(), suite.TypeFull, suite.Params{DevicePath: "/dev/x"})
	require.NoError(t, err)

	set := suite.Collect(m, suite.TypeFull, raws)
	assert.Equal(t, []string{
		"intel_vroc", "whql", "intel_windows_nvme_driver", "intel_esxi_vmd_driver", "uefi_2_7",
	}, set.Names())

	want := map[string]string{
		"intel_vroc":                "Full Compliance",
		"whql":                      "WHQL Certified",
		"intel_windows_nvme_driver": "Intel Certified",
		"intel_esxi_vmd_driver":     "VMware Certified",
		"uefi_2_7":                  "UEFI Compliant",
	}

	for _, raw := range raws {
		res := raw.(*Result)
		assert.True(t, res.Passed)
		assert.Empty(t, res.Issues)
		assert.Equal(t, want[res.Group()], res.ComplianceLevel)
	}
}

func TestRun_FailingChecksProduceIssues(t *testing.T) {
	m := newModule(device.Faults{FailingChecks: []string{
		CheckName(WHQL, "driver_signing"),
		CheckName(WHQL, "windows_compatibility"),
	}})

	raws, err := m.Run(context.Background(), string(WHQL), suite.Params{DevicePath: "/dev/x"})
	require.NoError(t, err)
	require.Len(t, raws, 1)

	res := raws[0].(*Result)
	assert.False(t, res.Passed)
	assert.Equal(t, "Certification Pending", res.ComplianceLevel)
	assert.Equal(t, []string{
		"Driver signature verification failed",
		"Windows compatibility issues detected",
	}, res.Issues)
	assert.Equal(t, []string{
		"Ensure drivers are properly signed",
		"Update to latest Windows-compatible firmware",
	}, res.Recommendations)

	rec := m.Normalize(res)
	assert.False(t, rec.Passed)
	assert.Equal(t, "certification/whql", rec.TestID)
	assert.Equal(t, float64(2), rec.Metrics["issue_count"])
	assert.Equal(t, []string{
		"compliance_level: Certification Pending",
		"certification_version: Windows 11 22H2",
		"issue: Driver signature verification failed",
		"recommendation: Ensure drivers are properly signed",
		"issue: Windows compatibility issues detected",
		"recommendation: Update to latest Windows-compatible firmware",
	}, rec.Diagnostics)
}

func TestRun_PartialFailure(t *testing.T) {
	m := newModule(device.Faults{FailingChecks: []string{CheckName(UEFI27, "secure_boot")}})

	raws, err := m.Run(context.Background(), string(UEFI27), suite.Params{DevicePath: "/dev/x"})
	require.NoError(t, err)

	res := raws[0].(*Result)
	assert.Equal(t, "Compliance Issues", res.ComplianceLevel)
	assert.Equal(t, []string{"Secure boot support issues"}, res.Issues)
	assert.Equal(t, 2, res.ChecksRun)
}

func TestRun_MissingDevice(t *testing.T) {
	m := newModule(device.Faults{MissingDevices: []string{"/dev/x"}})

	_, err := m.Run(context.Background(), suite.TypeFull, suite.Params{DevicePath: "/dev/x"})
	require.ErrorIs(t, err, device.ErrUnavailable)
}
