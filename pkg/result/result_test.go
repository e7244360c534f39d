package result

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_MarshalJSON(t *testing.T) {
	s := NewSet()
	s.AddSingle("ubuntu", Record{
		Category:        "boot_drive",
		TestID:          "boot_drive/ubuntu",
		Passed:          true,
		DurationSeconds: 1.5,
		Metrics:         map[string]float64{"boot_success": 1},
	})
	s.Ensure("sw_raid_access")
	s.Append("direct_access", Record{TestID: "a"})
	s.Append("direct_access", Record{TestID: "b", Error: Errorf("device %s missing", "/dev/x")})

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, byte('{'), decoded["ubuntu"][0])
	assert.JSONEq(t, `[]`, string(decoded["sw_raid_access"]))
	assert.Equal(t, byte('['), decoded["direct_access"][0])

	// Key order follows insertion order.
	assert.Less(t,
		strings.Index(string(data), `"ubuntu"`),
		strings.Index(string(data), `"sw_raid_access"`),
	)
	assert.Less(t,
		strings.Index(string(data), `"sw_raid_access"`),
		strings.Index(string(data), `"direct_access"`),
	)
}

func TestSet_UnmarshalJSONKeepsShapeAndOrder(t *testing.T) {
	s := NewSet()
	s.Append("filesystem_access", Record{TestID: "fs/1", Passed: true})
	s.AddSingle("whql", Record{TestID: "cert/whql", Diagnostics: []string{"x"}})
	s.Ensure("sw_raid_access")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var restored Set
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, []string{"filesystem_access", "whql", "sw_raid_access"}, restored.Names())

	g, ok := restored.Group("filesystem_access")
	require.True(t, ok)
	assert.True(t, g.Multi)
	require.Len(t, g.Records, 1)

	g, ok = restored.Group("whql")
	require.True(t, ok)
	assert.False(t, g.Multi)
	assert.Equal(t, []string{"x"}, g.Records[0].Diagnostics)

	g, ok = restored.Group("sw_raid_access")
	require.True(t, ok)
	assert.Empty(t, g.Records)
}

func TestSet_UnmarshalJSONRejectsNonObject(t *testing.T) {
	var s Set
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &s))
}

func TestSet_CloneIsDeep(t *testing.T) {
	s := NewSet()
	s.Append("g", Record{Metrics: map[string]float64{"iops": 1}, Error: Errorf("boom")})

	c := s.Clone()
	c.groups[0].Records[0].Metrics["iops"] = 2
	*c.groups[0].Records[0].Error = "changed"

	orig, _ := s.Group("g")
	assert.Equal(t, float64(1), orig.Records[0].Metrics["iops"])
	assert.Equal(t, "boom", orig.Records[0].ErrorMessage())
}

func TestSet_Summary(t *testing.T) {
	s := NewSet()
	s.Append("g", Record{Passed: true})
	s.Append("g", Record{Passed: false})
	s.AddSingle("h", Record{Passed: true})

	passed, failed := s.Summary()
	assert.Equal(t, 2, passed)
	assert.Equal(t, 1, failed)
}
