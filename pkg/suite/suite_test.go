package suite

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRaw struct {
	group string
	ok    bool
}

func (r fakeRaw) Group() string { return r.group }

type fakeModule struct {
	desc Descriptor
}

func (m fakeModule) Describe() Descriptor { return m.desc }

func (m fakeModule) Run(context.Context, string, Params) ([]RawResult, error) {
	return nil, nil
}

func (m fakeModule) Normalize(raw RawResult) result.Record {
	r := raw.(fakeRaw)

	return result.Record{TestID: "fake/" + r.group, Passed: r.ok}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in      string
		want    Category
		wantErr bool
	}{
		{in: "boot_drive", want: CategoryBootDrive},
		{in: "data-drive", want: CategoryDataDrive},
		{in: " System-Robustness ", want: CategorySystemRobustness},
		{in: "certification", want: CategoryCertification},
		{in: "network", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCategory(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownSuite)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescriptor_Select(t *testing.T) {
	d := Descriptor{Groups: []string{"a", "b", "c"}}

	assert.Equal(t, []string{"full", "a", "b", "c"}, d.SuiteTypes())
	assert.Equal(t, []string{"a", "b", "c"}, d.Select(TypeFull))
	assert.Equal(t, []string{"b"}, d.Select("b"))
	assert.Nil(t, d.Select("z"))
	assert.True(t, d.Supports("c"))
	assert.False(t, d.Supports("z"))
}

func TestRegistry_Lookup(t *testing.T) {
	boot := fakeModule{desc: Descriptor{Category: CategoryBootDrive, Module: "Boot", Groups: []string{"ubuntu"}}}
	cert := fakeModule{desc: Descriptor{Category: CategoryCertification, Module: "Cert", Groups: []string{"whql"}}}
	r := NewRegistry(cert, boot)

	m, err := r.Lookup(CategoryBootDrive, "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, "Boot", m.Describe().Module)

	_, err = r.Lookup(CategoryBootDrive, "whql")
	require.ErrorIs(t, err, ErrUnknownSuite)

	_, err = r.Lookup(CategoryDataDrive, TypeFull)
	require.ErrorIs(t, err, ErrUnknownSuite)

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, CategoryBootDrive, descs[0].Category)
	assert.Equal(t, CategoryCertification, descs[1].Category)
}

func TestCollect(t *testing.T) {
	t.Run("single groups", func(t *testing.T) {
		m := fakeModule{desc: Descriptor{Category: CategoryBootDrive, Groups: []string{"a", "b"}}}

		set := Collect(m, TypeFull, []RawResult{fakeRaw{"b", true}, fakeRaw{"a", false}})
		assert.Equal(t, []string{"b", "a"}, set.Names())

		g, ok := set.Group("a")
		require.True(t, ok)
		assert.False(t, g.Multi)
		require.Len(t, g.Records, 1)
		assert.Equal(t, "boot_drive", g.Records[0].Category, "category filled from descriptor")
	})

	t.Run("multi groups keep empty selections", func(t *testing.T) {
		m := fakeModule{desc: Descriptor{Category: CategoryDataDrive, Groups: []string{"x", "y"}, Multi: true}}

		set := Collect(m, TypeFull, []RawResult{fakeRaw{"x", true}, fakeRaw{"x", true}})
		assert.Equal(t, []string{"x", "y"}, set.Names())

		x, _ := set.Group("x")
		assert.Len(t, x.Records, 2)

		y, ok := set.Group("y")
		require.True(t, ok)
		assert.True(t, y.Multi)
		assert.Empty(t, y.Records)

		passed, failed := set.Summary()
		assert.Equal(t, 2, passed)
		assert.Equal(t, 0, failed)
	})
}

func TestParams(t *testing.T) {
	p := Params{DevicePath: "/dev/a"}
	assert.Equal(t, []string{"/dev/a"}, p.Targets())

	p.Devices = []string{"/dev/b", "/dev/c"}
	assert.Equal(t, []string{"/dev/b", "/dev/c"}, p.Targets())

	var out struct {
		Cycles int      `mapstructure:"cycles"`
		Levels []string `mapstructure:"levels"`
	}

	require.NoError(t, Params{}.Decode(&out))
	assert.Zero(t, out.Cycles)

	p.Parameters = map[string]any{"cycles": float64(25), "levels": []any{"raid_0"}}
	require.NoError(t, p.Decode(&out))
	assert.Equal(t, 25, out.Cycles)
	assert.Equal(t, []string{"raid_0"}, out.Levels)

	p.Parameters = map[string]any{"cycles": "many"}
	require.Error(t, p.Decode(&out))
}

func TestPacer(t *testing.T) {
	require.NoError(t, Pacer{}.Wait(context.Background(), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Pacer{}.Wait(ctx, time.Second), context.Canceled)

	start := time.Now()
	require.NoError(t, Pacer{Scale: 0.01}.Wait(context.Background(), time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	secs, err := Timed(func() error { return nil })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 0.0)
}
