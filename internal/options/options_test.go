package options

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFollowSetsAllAndDefaultLines(t *testing.T) {
	o := Follow(Options{Lines: -1})
	require.True(t, o.All)
	require.Equal(t, 10, o.Lines)
}

func TestFollowPreservesOtherFields(t *testing.T) {
	o := Follow(Options{Namespace: "prod", Color: true})
	require.Equal(t, "prod", o.Namespace)
	require.True(t, o.Color)
}

func TestFormatterOptionsProjectsOutputFields(t *testing.T) {
	o := Options{Color: true, FullAllocID: true, Timestamps: true, NoTaskGroup: true, NoTask: true}
	fo := o.FormatterOptions()
	require.True(t, fo.Color)
	require.True(t, fo.FullAllocID)
	require.True(t, fo.Timestamps)
	require.True(t, fo.NoTaskGroup)
	require.True(t, fo.NoTask)
}
