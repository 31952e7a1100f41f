package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_IdenticalStates(t *testing.T) {
	gen := NewGenerator(3, false)

	result, err := gen.GenerateStates(`{"a":1,"b":2}`, `{"b":2, "a":1}`, "iteration 1", "iteration 2")
	require.NoError(t, err)
	assert.Empty(t, result.UnifiedDiff)
	assert.True(t, result.Identical())
	assert.Equal(t, "No changes", result.FormatSummary())
}

func TestGenerator_ChangedField(t *testing.T) {
	gen := NewGenerator(1, false)

	oldState := `{"step":1,"plan":["search"],"memory":{"hits":0}}`
	newState := `{"step":2,"plan":["search"],"memory":{"hits":0}}`
	result, err := gen.GenerateStates(oldState, newState, "iteration 1", "iteration 2")
	require.NoError(t, err)

	assert.Equal(t, 1, result.AddedLines)
	assert.Equal(t, 1, result.DeletedLines)
	assert.Equal(t, 1, result.Hunks)
	assert.Contains(t, result.UnifiedDiff, "--- iteration 1\n+++ iteration 2\n")
	assert.Contains(t, result.UnifiedDiff, `-  "step": 1`)
	assert.Contains(t, result.UnifiedDiff, `+  "step": 2`)
	assert.Equal(t, "+1 lines, -1 lines", result.FormatSummary())
}

func TestGenerator_Addition(t *testing.T) {
	gen := NewGenerator(3, false)

	result, err := gen.GenerateUnified("line1\nline2\nline3\n", "line1\nline2\nline3\nline4\n", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, result.AddedLines)
	assert.Equal(t, 0, result.DeletedLines)
	assert.Contains(t, result.UnifiedDiff, "@@ -1,3 +1,4 @@\n line1\n line2\n line3\n+line4\n")
}

func TestGenerator_Deletion(t *testing.T) {
	gen := NewGenerator(0, false)

	result, err := gen.GenerateUnified("line1\nline2\nline3\n", "line1\nline3\n", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 0, result.AddedLines)
	assert.Equal(t, 1, result.DeletedLines)
	assert.Contains(t, result.UnifiedDiff, "@@ -2,1 +1,0 @@\n-line2\n")
}

func TestGenerator_SeparateHunks(t *testing.T) {
	gen := NewGenerator(1, false)

	var oldLines, newLines []string
	for i := 0; i < 20; i++ {
		oldLines = append(oldLines, "same")
		newLines = append(newLines, "same")
	}
	newLines[2] = "first change"
	newLines[15] = "second change"

	result, err := gen.GenerateUnified(strings.Join(oldLines, "\n")+"\n", strings.Join(newLines, "\n")+"\n", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Hunks)
	assert.Equal(t, 2, result.AddedLines)
	assert.Equal(t, 2, result.DeletedLines)
	assert.Equal(t, 2, strings.Count(result.UnifiedDiff, "@@ -"))
}

func TestGenerator_NearbyChangesShareHunk(t *testing.T) {
	gen := NewGenerator(2, false)

	result, err := gen.GenerateUnified("a\nb\nc\nd\ne\nf\n", "A\nb\nc\nd\nE\nf\n", "x", "y")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Hunks)
}

func TestGenerator_ColorOutput(t *testing.T) {
	gen := NewGenerator(3, true)

	result, err := gen.GenerateUnified("a\n", "b\n", "x", "y")
	require.NoError(t, err)
	assert.Contains(t, result.UnifiedDiff, "-a")
	assert.Contains(t, result.UnifiedDiff, "+b")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": \"<x>\"\n}\n", Normalize(`{"b":"<x>","a":1}`))
	assert.Equal(t, "plain text state", Normalize("plain text state"))
	assert.Equal(t, "{broken", Normalize("{broken"))
	assert.Equal(t, "", Normalize(""))
}
