package suite

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethpandaops/dvtoor/pkg/result"
	"github.com/mitchellh/mapstructure"
)

// Category is the top-level grouping of suites.
type Category string

// Supported categories.
const (
	CategoryBootDrive        Category = "boot_drive"
	CategoryDataDrive        Category = "data_drive"
	CategorySystemRobustness Category = "system_robustness"
	CategoryCertification    Category = "certification"
)

// TypeFull selects every item a module knows about.
const TypeFull = "full"

// ErrUnknownSuite is returned when no module serves a category/suite type pair.
var ErrUnknownSuite = errors.New("unknown suite")

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryBootDrive,
		CategoryDataDrive,
		CategorySystemRobustness,
		CategoryCertification,
	}
}

// ParseCategory accepts both the snake_case and the URL friendly
// kebab-case spelling of a category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !slices.Contains(Categories(), c) {
		return "", fmt.Errorf("%w: category %q", ErrUnknownSuite, s)
	}

	return c, nil
}

// Params is the configuration a client submits with a run.
type Params struct {
	DevicePath string         `json:"device_path" validate:"required"`
	Devices    []string       `json:"devices,omitempty" validate:"omitempty,dive,required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Targets returns the devices a multi-device suite operates on, falling
// back to the primary device path.
func (p Params) Targets() []string {
	if len(p.Devices) > 0 {
		return p.Devices
	}

	return []string{p.DevicePath}
}

// Decode copies the open parameter map into a typed struct. Input is
// weakly typed so JSON numbers land in integer fields.
func (p Params) Decode(out any) error {
	if len(p.Parameters) == 0 {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("creating parameter decoder: %w", err)
	}

	if err := dec.Decode(p.Parameters); err != nil {
		return fmt.Errorf("decoding suite parameters: %w", err)
	}

	return nil
}

// RawResult is a module specific result. Group names the entry in the
// normalized result set the record belongs to.
type RawResult interface {
	Group() string
}

// Descriptor describes a module for discovery.
type Descriptor struct {
	Category Category `json:"category"`
	Module   string   `json:"module"`
	// Groups are the individually selectable items in execution order.
	Groups []string `json:"-"`
	// Multi is set when each group holds a sequence of records.
	Multi bool `json:"-"`
}

// SuiteTypes returns the accepted suite types: full plus every group.
func (d Descriptor) SuiteTypes() []string {
	return append([]string{TypeFull}, d.Groups...)
}

// Supports reports whether suiteType is accepted by the module.
func (d Descriptor) Supports(suiteType string) bool {
	return suiteType == TypeFull || slices.Contains(d.Groups, suiteType)
}

// Select returns the groups a suite type expands to.
func (d Descriptor) Select(suiteType string) []string {
	if suiteType == TypeFull {
		return slices.Clone(d.Groups)
	}

	if slices.Contains(d.Groups, suiteType) {
		return []string{suiteType}
	}

	return nil
}

// Module is a pluggable unit of validation logic for one category.
//
// Run must not return an error for expected negative outcomes; a failed
// sub-test is a normal result with passed=false. Errors are reserved for
// the inability to execute the suite at all and for context cancellation.
type Module interface {
	Describe() Descriptor
	Run(ctx context.Context, suiteType string, params Params) ([]RawResult, error)
	Normalize(raw RawResult) result.Record
}

// Collect normalizes raw results into a result set using the module's
// own converter.
func Collect(m Module, suiteType string, raws []RawResult) *result.Set {
	desc := m.Describe()
	set := result.NewSet()

	if desc.Multi {
		for _, g := range desc.Select(suiteType) {
			set.Ensure(g)
		}
	}

	for _, raw := range raws {
		rec := m.Normalize(raw)
		if rec.Category == "" {
			rec.Category = string(desc.Category)
		}

		if desc.Multi {
			set.Append(raw.Group(), rec)
		} else {
			set.AddSingle(raw.Group(), rec)
		}
	}

	return set
}
