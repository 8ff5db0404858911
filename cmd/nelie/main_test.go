package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nelie/internal/catalog"
	"nelie/internal/core"
	"nelie/internal/usage"
)

func TestFormatPlanTable(t *testing.T) {
	cat, err := catalog.New(catalog.Config{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, formatPlanTable(&buf, cat.Rows(core.DefaultPlan)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(core.DefaultPlan)+1)
	assert.Contains(t, lines[0], "PRIORITY")
	assert.Contains(t, lines[1], string(core.DefaultPlan[0]))
	assert.Contains(t, lines[1], "gpt-4o-mini")
	assert.Contains(t, lines[1], "0.15")
}

func TestFormatUsageTable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, formatUsageTable(&buf, nil))
		assert.Equal(t, "No usage recorded.\n", buf.String())
	})

	t.Run("totals", func(t *testing.T) {
		var buf bytes.Buffer
		rows := []usage.StepSummary{
			{Step: "hook", Calls: 2, PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, CostUSD: 0.001},
			{Step: "quiz", Calls: 1, Estimated: 1, PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50, CostUSD: 0.0005},
		}
		require.NoError(t, formatUsageTable(&buf, rows))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 4)
		assert.Equal(t, []string{"TOTAL", "3", "1", "140", "60", "200", "0.001500"}, strings.Fields(lines[3]))
	})
}

func TestBuildRequest(t *testing.T) {
	t.Run("from flags", func(t *testing.T) {
		req, err := buildRequest(&cobra.Command{}, "", "Fractions", "Math", 4, []string{"space"})
		require.NoError(t, err)

		gc, err := req.Context()
		require.NoError(t, err)
		assert.Equal(t, "Fractions", gc.Title)
		assert.Equal(t, 4, gc.Grade)
		assert.Equal(t, []string{"space"}, gc.Interests)
	})

	t.Run("from stdin", func(t *testing.T) {
		cmd := &cobra.Command{}
		cmd.SetIn(strings.NewReader(`{"adventure":{"title":"Volcanoes","subject":"Science","gradeLevel":"3"}}`))

		req, err := buildRequest(cmd, "-", "", "", 0, nil)
		require.NoError(t, err)
		assert.Equal(t, "Volcanoes", req.Adventure.Title)
		require.NotNil(t, req.Adventure.GradeLevel)
		assert.Equal(t, core.GradeLevel(3), *req.Adventure.GradeLevel)
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "req.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"adventure":{"title":"Rivers","subject":"Geography","gradeLevel":5}}`), 0o600))

		req, err := buildRequest(&cobra.Command{}, path, "", "", 0, nil)
		require.NoError(t, err)
		assert.Equal(t, "Rivers", req.Adventure.Title)
	})

	t.Run("bad json", func(t *testing.T) {
		cmd := &cobra.Command{}
		cmd.SetIn(strings.NewReader(`{`))
		_, err := buildRequest(cmd, "-", "", "", 0, nil)
		assert.Error(t, err)
	})
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(buf.String(), "nelie dev"))
}
