package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissing_AppendsOnlyAbsentFields(t *testing.T) {
	declared := Table{Fields: []Field{
		{Name: "a", Type: TypeString, Required: true},
		{Name: "b", Type: TypeInteger},
		{Name: "c", Type: TypeFloat},
	}}

	existing := map[string]struct{}{"a": {}, "c": {}}

	missing := declared.Missing(existing)
	require.Len(t, missing, 1)
	assert.Equal(t, "b", missing[0].Name)
	assert.Equal(t, TypeInteger, missing[0].Type)
}

func TestMissing_NoChanges(t *testing.T) {
	assert.Empty(t, Metrics.Missing(Metrics.FieldNames()))
}

func TestMetricsFieldNames_ContainsCompositeStressFields(t *testing.T) {
	names := Metrics.FieldNames()
	for _, want := range []string{"stress_level_min", "stress_level_max", "stress_level_avg"} {
		assert.Contains(t, names, want)
	}
}

func TestTables_TimestampKeysDeclared(t *testing.T) {
	assert.Contains(t, Sessions.FieldNames(), "start_time")
	assert.Contains(t, Details.FieldNames(), "timestamp")
	assert.Contains(t, Metrics.FieldNames(), "timestamp")
}

func TestDetails_CarriesBatteryState(t *testing.T) {
	names := Details.FieldNames()
	assert.Contains(t, names, "battery_soc")
}
