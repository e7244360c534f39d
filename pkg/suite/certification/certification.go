package certification

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

// Certification is a vendor or platform certification program.
type Certification string

// Supported certifications.
const (
	IntelVROC              Certification = "intel_vroc"
	WHQL                   Certification = "whql"
	IntelWindowsNVMeDriver Certification = "intel_windows_nvme_driver"
	IntelESXiVMDDriver     Certification = "intel_esxi_vmd_driver"
	UEFI27                 Certification = "uefi_2_7"
)

const checkDuration = 100 * time.Millisecond

type check struct {
	name           string
	issue          string
	recommendation string
}

type program struct {
	cert     Certification
	version  string
	duration time.Duration
	pass     string
	fail     string
	checks   []check
}

var programs = []program{
	{
		cert:     IntelVROC,
		version:  "VROC 7.0",
		duration: 3 * time.Second,
		pass:     "Full Compliance",
		fail:     "Partial Compliance",
		checks: []check{
			{
				name:           "vroc_compatibility",
				issue:          "VROC compatibility mode not detected",
				recommendation: "Verify BIOS VROC settings are enabled",
			},
		},
	},
	{
		cert:     WHQL,
		version:  "Windows 11 22H2",
		duration: 4 * time.Second,
		pass:     "WHQL Certified",
		fail:     "Certification Pending",
		checks: []check{
			{
				name:           "driver_signing",
				issue:          "Driver signature verification failed",
				recommendation: "Ensure drivers are properly signed",
			},
			{
				name:           "windows_compatibility",
				issue:          "Windows compatibility issues detected",
				recommendation: "Update to latest Windows-compatible firmware",
			},
		},
	},
	{
		cert:     IntelWindowsNVMeDriver,
		version:  "Intel NVMe Driver 5.3.0",
		duration: 2500 * time.Millisecond,
		pass:     "Intel Certified",
		fail:     "Compatibility Issues",
		checks: []check{
			{
				name:           "driver_compatibility",
				issue:          "Intel NVMe driver compatibility issues",
				recommendation: "Update to latest Intel NVMe driver version",
			},
		},
	},
	{
		cert:     IntelESXiVMDDriver,
		version:  "Intel VMD Driver 2.8.0 for ESXi 8.0",
		duration: 3500 * time.Millisecond,
		pass:     "VMware Certified",
		fail:     "Compatibility Issues",
		checks: []check{
			{
				name:           "vmd_driver_compatibility",
				issue:          "VMD driver compatibility issues with ESXi",
				recommendation: "Verify ESXi version and VMD driver compatibility",
			},
			{
				name:           "virtualization_support",
				issue:          "Virtualization support issues detected",
				recommendation: "Check VMware ESXi configuration",
			},
		},
	},
	{
		cert:     UEFI27,
		version:  "UEFI 2.7",
		duration: 2 * time.Second,
		pass:     "UEFI Compliant",
		fail:     "Compliance Issues",
		checks: []check{
			{
				name:           "uefi_compatibility",
				issue:          "UEFI 2.7 compatibility issues detected",
				recommendation: "Update firmware to support UEFI 2.7",
			},
			{
				name:           "secure_boot",
				issue:          "Secure boot support issues",
				recommendation: "Verify secure boot configuration",
			},
		},
	},
}

// CheckName is the probe check consulted for one compliance check.
func CheckName(cert Certification, check string) string {
	return fmt.Sprintf("certification.%s.%s", cert, check)
}

// Result is the outcome of one certification program.
type Result struct {
	Certification   Certification
	Version         string
	Passed          bool
	ComplianceLevel string
	Issues          []string
	Recommendations []string
	ChecksRun       int
	DurationSeconds float64
}

// Group implements suite.RawResult.
func (r *Result) Group() string {
	return string(r.Certification)
}

// Module checks drive compliance with vendor certification programs.
type Module struct {
	log   logrus.FieldLogger
	probe device.Probe
	pacer suite.Pacer
}

// Compile-time interface check.
var _ suite.Module = (*Module)(nil)

// New creates the certification module.
func New(log logrus.FieldLogger, probe device.Probe, pacer suite.Pacer) *Module {
	return &Module{
		log:   log.WithField("module", string(suite.CategoryCertification)),
		probe: probe,
		pacer: pacer,
	}
}

// Describe implements suite.Module.
func (m *Module) Describe() suite.Descriptor {
	groups := make([]string, 0, len(programs))
	for _, p := range programs {
		groups = append(groups, string(p.cert))
	}

	return suite.Descriptor{
		Category: suite.CategoryCertification,
		Module:   "CertificationManager",
		Groups:   groups,
	}
}

// Run evaluates each selected certification program.
func (m *Module) Run(
	ctx context.Context,
	suiteType string,
	params suite.Params,
) ([]suite.RawResult, error) {
	if err := m.probe.Verify(ctx, params.DevicePath); err != nil {
		return nil, fmt.Errorf("verifying device: %w", err)
	}

	selected := m.Describe().Select(suiteType)
	results := make([]suite.RawResult, 0, len(selected))

	for _, p := range programs {
		if !slices.Contains(selected, string(p.cert)) {
			continue
		}

		res, err := m.evaluate(ctx, params.DevicePath, p)
		if err != nil {
			return nil, fmt.Errorf("%s certification: %w", p.cert, err)
		}

		m.log.WithFields(logrus.Fields{
			"certification": p.cert,
			"compliance":    res.ComplianceLevel,
		}).Info("Certification evaluated")

		results = append(results, res)
	}

	return results, nil
}

// evaluate runs the program's checks in order. Every failing check adds
// exactly one issue and its recommendation.
func (m *Module) evaluate(ctx context.Context, path string, p program) (*Result, error) {
	res := &Result{Certification: p.cert, Version: p.version}

	elapsed, err := suite.Timed(func() error {
		if err := m.pacer.Wait(ctx, p.duration); err != nil {
			return err
		}

		for _, c := range p.checks {
			if err := m.pacer.Wait(ctx, checkDuration); err != nil {
				return err
			}

			res.ChecksRun++

			if !m.probe.Check(ctx, path, CheckName(p.cert, c.name)) {
				res.Issues = append(res.Issues, c.issue)
				res.Recommendations = append(res.Recommendations, c.recommendation)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	res.DurationSeconds = elapsed
	res.Passed = len(res.Issues) == 0

	if res.Passed {
		res.ComplianceLevel = p.pass
	} else {
		res.ComplianceLevel = p.fail
	}

	return res, nil
}

// Normalize implements suite.Module.
func (m *Module) Normalize(raw suite.RawResult) result.Record {
	r, ok := raw.(*Result)
	if !ok {
		return result.Record{
			Category: string(suite.CategoryCertification),
			TestID:   fmt.Sprintf("%s/%s", suite.CategoryCertification, raw.Group()),
			Error:    result.Errorf("unexpected result type %T", raw),
		}
	}

	diagnostics := make([]string, 0, 2+2*len(r.Issues))
	diagnostics = append(diagnostics,
		"compliance_level: "+r.ComplianceLevel,
		"certification_version: "+r.Version,
	)

	for i, issue := range r.Issues {
		diagnostics = append(diagnostics, "issue: "+issue)
		if i < len(r.Recommendations) {
			diagnostics = append(diagnostics, "recommendation: "+r.Recommendations[i])
		}
	}

	rec := result.Record{
		Category:        string(suite.CategoryCertification),
		TestID:          fmt.Sprintf("%s/%s", suite.CategoryCertification, r.Certification),
		Passed:          r.Passed,
		DurationSeconds: r.DurationSeconds,
		Metrics: map[string]float64{
			"compliant":   result.Bool(r.Passed),
			"issue_count": float64(len(r.Issues)),
			"checks_run":  float64(r.ChecksRun),
		},
		Diagnostics: diagnostics,
	}

	if !r.Passed {
		rec.Error = result.Errorf("%s: %d issue(s) found", r.ComplianceLevel, len(r.Issues))
	}

	return rec
}
