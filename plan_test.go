package metaminer

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBuilder_Explain(t *testing.T) {
	inv := &ScriptedInvoker{Respond: echoAuthor}
	o := newTestOrchestrator(t, inv, WithBatchSize(2), WithRateLimit(2), WithConcurrency(3))

	plan, err := o.Explain(textUnits(5))
	require.NoError(t, err)

	// Verify root node
	assert.Equal(t, BatchType, plan.Type)
	assert.Equal(t, "test-model", plan.Model)
	assert.Equal(t, []string{"author"}, plan.Fields)
	assert.Equal(t, 5, plan.Metadata["units"])
	assert.Equal(t, 3, plan.Metadata["max_concurrent"])

	// One schema analysis node, then chunks of two
	require.Len(t, plan.Children, 4)
	assert.Equal(t, SchemaAnalysisType, plan.Children[0].Type)
	assert.Greater(t, plan.Children[0].InputTokens, 0)

	var promptCalls []*PlanNode
	for i, chunk := range plan.Children[1:] {
		assert.Equal(t, ChunkType, chunk.Type)
		assert.Equal(t, i*2, chunk.Metadata["from"])
		promptCalls = append(promptCalls, chunk.Children...)
	}
	assert.Len(t, plan.Children[1].Children, 2)
	assert.Len(t, plan.Children[3].Children, 1)

	require.Len(t, promptCalls, 5)
	for i, call := range promptCalls {
		assert.Equal(t, PromptCallType, call.Type)
		assert.Equal(t, textUnits(5)[i].ID, call.PromptName)
		assert.Equal(t, "test-model", call.Model)
		assert.Greater(t, call.InputTokens, 0)
		assert.Greater(t, call.OutputTokens, 0)
	}

	// Costs roll up
	sum := 0.0
	for _, child := range plan.Children {
		sum += child.EstCost
	}
	assert.InDelta(t, 1.0+sum, plan.EstCost, 1e-9)
	assert.Nil(t, plan.ActCost, "no pricing given")

	// Summary
	assert.Equal(t, []string{"test-model"}, plan.ExpectedModels)
	assert.Equal(t, map[string]int{"test-model": 5}, plan.ExpectedCallCounts)
	assert.Equal(t, 2*time.Minute, plan.MinDuration)

	assert.Equal(t, 0, inv.Calls(), "explain never calls the model")
}

func TestPlanBuilder_ExplainWithCosts(t *testing.T) {
	o := newTestOrchestrator(t, &ScriptedInvoker{})

	plan, err := NewPlanBuilder(o).
		WithUnits(textUnits(3)).
		WithPricing(map[string]ModelPrice{"test-model": {PromptTokCost: 1, CompletionTokCost: 2}}).
		Explain()
	require.NoError(t, err)
	require.NotNil(t, plan.ActCost)

	want := 0.0
	var walk func(*PlanNode)
	walk = func(n *PlanNode) {
		if n.Type == PromptCallType {
			want += float64(n.InputTokens)/1000 + 2*float64(n.OutputTokens)/1000
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(plan)
	assert.InDelta(t, want, *plan.ActCost, 1e-9)

	t.Run("unknown model has no actual cost", func(t *testing.T) {
		plan, err := NewPlanBuilder(o).
			WithUnits(textUnits(1)).
			WithPricing(DefaultModelPricing()).
			Explain()
		require.NoError(t, err)
		assert.Nil(t, plan.ActCost)
	})
}

func TestPlanBuilder_Documents(t *testing.T) {
	dir := t.TempDir()
	txt := writeFile(t, dir, "a.txt", strings.Repeat("x", 400))
	pdf := writeFile(t, dir, "b.pdf", strings.Repeat("x", 1600))
	missing := filepath.Join(dir, "gone.txt")

	o := newTestOrchestrator(t, &ScriptedInvoker{})
	empty, err := NewPlanBuilder(o).WithUnits([]ExtractionUnit{TextUnit("e", "")}).Explain()
	require.NoError(t, err)
	base := empty.Children[1].Children[0].InputTokens

	plan, err := o.Explain([]ExtractionUnit{DocumentUnit(txt), DocumentUnit(pdf), DocumentUnit(missing)})
	require.NoError(t, err)
	calls := plan.Children[1].Children
	require.Len(t, calls, 3)

	assert.Equal(t, base+100, calls[0].InputTokens)
	assert.Equal(t, "file_size", calls[0].Metadata["estimated_from"])
	assert.Equal(t, base+100, calls[1].InputTokens)
	assert.Equal(t, base, calls[2].InputTokens)
	assert.Contains(t, calls[2].Metadata, "error")
}

func TestFormatPlan(t *testing.T) {
	o := newTestOrchestrator(t, &ScriptedInvoker{}, WithRateLimit(1))
	plan, err := o.Explain(textUnits(2))
	require.NoError(t, err)

	t.Run("text", func(t *testing.T) {
		out, err := FormatPlan(plan, FormatText)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "Extraction Plan (estimated costs)\n"))
		assert.Contains(t, out, "Batch (model=test-model")
		assert.Contains(t, out, `PromptCall "unit-1"`)
		assert.Contains(t, out, "units=0..2")
		assert.Contains(t, out, "└─ ")
		assert.Contains(t, out, "Rate limit holds this run to at least 1m0s")
	})

	t.Run("json", func(t *testing.T) {
		out, err := FormatPlan(plan, FormatJSON)
		require.NoError(t, err)

		var decoded PlanNode
		require.NoError(t, json.Unmarshal([]byte(out), &decoded))
		assert.Equal(t, BatchType, decoded.Type)
		assert.Equal(t, plan.EstCost, decoded.EstCost)
		assert.Len(t, decoded.Children, len(plan.Children))
		assert.Equal(t, time.Minute, decoded.MinDuration)
		assert.Contains(t, out, `"minDurationText": "1m0s"`)
	})

	t.Run("graphviz", func(t *testing.T) {
		out, err := FormatPlan(plan, FormatGraphviz)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "digraph ExtractionPlan {"))
		assert.Contains(t, out, "node0 -> node1;")
		assert.Contains(t, out, `PromptCall: unit-0`)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := FormatPlan(plan, FormatType("yaml"))
		assert.Error(t, err)
	})

	t.Run("explain pretty", func(t *testing.T) {
		out, err := NewPlanBuilder(o).WithUnits(textUnits(1)).ExplainPretty(FormatText)
		require.NoError(t, err)
		assert.NotContains(t, out, "Rate limit holds")
	})
}

func TestEstimateTokensFromText(t *testing.T) {
	assert.Equal(t, 0, EstimateTokensFromText(""))
	assert.Equal(t, 1, EstimateTokensFromText("abcd"))
	assert.Equal(t, 2, EstimateTokensFromText("abcde"))
}

func TestDefaultModelPricing(t *testing.T) {
	pricing := DefaultModelPricing()
	for _, model := range []string{"gpt-4o-mini", "gpt-3.5-turbo", "gemini-2.5-flash"} {
		price, ok := pricing[model]
		require.True(t, ok, model)
		assert.Greater(t, price.CompletionTokCost, price.PromptTokCost, model)
	}
}
