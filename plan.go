package metaminer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PlanNodeType defines the type of operation a node represents.
type PlanNodeType string

const (
	BatchType          PlanNodeType = "Batch"
	SchemaAnalysisType PlanNodeType = "SchemaAnalysis"
	ChunkType          PlanNodeType = "Chunk"
	PromptCallType     PlanNodeType = "PromptCall"
)

// PlanNode represents a node in a batch execution plan.
// Warning: Children and Metadata are exported for extensibility but should not be
// modified after plan generation to maintain internal consistency.
type PlanNode struct {
	Type         PlanNodeType   `json:"type"`                   // e.g. "Batch", "PromptCall", ...
	PromptName   string         `json:"promptName,omitempty"`   // source identity for prompt calls
	Model        string         `json:"model,omitempty"`        // LLM model used (if applicable)
	Fields       []string       `json:"fields,omitempty"`       // Fields covered/extracted at this node
	InputTokens  int            `json:"inputTokens,omitempty"`  // Estimated input size in tokens for this node
	OutputTokens int            `json:"outputTokens,omitempty"` // Estimated output size in tokens for this node
	EstCost      float64        `json:"estCost"`                // Estimated *abstract* cost units for this node (includes children)
	ActCost      *float64       `json:"actCost,omitempty"`      // Optional actual cost in USD if pricing was given
	Children     []*PlanNode    `json:"children,omitempty"`     // Child plan nodes (sub-operations)
	Metadata     map[string]any `json:"metadata,omitempty"`     // Additional metadata for extensibility
	// Summary information (populated for root nodes)
	ExpectedModels     []string       `json:"expectedModels,omitempty"`     // Models expected to be used in this plan
	ExpectedCallCounts map[string]int `json:"expectedCallCounts,omitempty"` // Expected prompt call counts by model
	MinDuration        time.Duration  `json:"minDuration,omitempty"`        // lower bound imposed by the rate limit
}

// ModelPrice represents the pricing for a specific model.
type ModelPrice struct {
	PromptTokCost     float64 // Cost per 1000 input tokens
	CompletionTokCost float64 // Cost per 1000 output tokens
}

// FormatType represents different output formats for the execution plan.
type FormatType string

const (
	FormatText     FormatType = "text"
	FormatJSON     FormatType = "json"
	FormatGraphviz FormatType = "dot"
)

// PlanBuilder estimates what a Run over a set of units would do without
// calling the model. Documents are not converted; their size is used.
// Note: PlanBuilder is not thread-safe. Create separate instances for concurrent use.
type PlanBuilder struct {
	engine  *Engine
	opts    Options
	units   []ExtractionUnit
	pricing map[string]ModelPrice
}

// NewPlanBuilder creates a plan builder for the orchestrator's engine and limits.
func NewPlanBuilder(o *Orchestrator) *PlanBuilder {
	return &PlanBuilder{engine: o.engine, opts: o.opts}
}

// WithUnits sets the units the plan covers.
func (pb *PlanBuilder) WithUnits(units []ExtractionUnit) *PlanBuilder {
	pb.units = units
	return pb
}

// WithPricing enables USD costs using the given price table.
func (pb *PlanBuilder) WithPricing(pricing map[string]ModelPrice) *PlanBuilder {
	pb.pricing = pricing
	return pb
}

// Explain builds the plan tree.
func (pb *PlanBuilder) Explain() (*PlanNode, error) {
	if pb.engine == nil {
		return nil, fmt.Errorf("plan: engine is nil")
	}
	overhead, err := pb.engine.BuildPrompt("")
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	baseTokens := EstimateTokensFromText(overhead)
	fields := pb.engine.schema.Fields()
	outTokens := pb.estimateOutputTokens()
	model := string(pb.engine.model)

	root := &PlanNode{
		Type:   BatchType,
		Model:  model,
		Fields: fields,
		Metadata: map[string]any{
			"units":               len(pb.units),
			"max_concurrent":      pb.opts.MaxConcurrent,
			"requests_per_minute": pb.opts.RequestsPerMinute,
			"max_retries":         pb.opts.MaxRetries,
		},
	}
	root.Children = append(root.Children, &PlanNode{
		Type:        SchemaAnalysisType,
		Fields:      fields,
		InputTokens: EstimateTokensFromText(string(pb.engine.schema.JSONSchemaBytes())),
	})

	batch := pb.opts.BatchSize
	if batch <= 0 {
		batch = max(len(pb.units), 1)
	}
	for start := 0; start < len(pb.units); start += batch {
		end := min(start+batch, len(pb.units))
		chunk := &PlanNode{
			Type:     ChunkType,
			Metadata: map[string]any{"from": start, "to": end},
		}
		for i := start; i < end; i++ {
			chunk.Children = append(chunk.Children, pb.promptCallNode(i, baseTokens, outTokens))
		}
		root.Children = append(root.Children, chunk)
	}

	root.MinDuration = MinRunDuration(len(pb.units), pb.opts.RequestsPerMinute)
	pb.calculateCosts(root)
	pb.populateSummaryInfo(root)
	return root, nil
}

func (pb *PlanBuilder) promptCallNode(i, baseTokens, outTokens int) *PlanNode {
	u := pb.units[i]
	node := &PlanNode{
		Type:         PromptCallType,
		PromptName:   u.identity(i),
		Model:        string(pb.engine.model),
		OutputTokens: outTokens,
	}
	if u.Path == "" {
		node.InputTokens = baseTokens + EstimateTokensFromText(u.Text)
		return node
	}
	docTokens, err := estimateDocumentTokens(u.Path)
	if err != nil {
		node.InputTokens = baseTokens
		node.Metadata = map[string]any{"error": err.Error()}
		return node
	}
	node.InputTokens = baseTokens + docTokens
	node.Metadata = map[string]any{"estimated_from": "file_size"}
	return node
}

// estimateDocumentTokens guesses the text size of a document from its file
// size. Container formats carry markup and compression, so only a fraction
// of their bytes become text.
func estimateDocumentTokens(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	size := int(info.Size())
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".tex":
		return (size + 3) / 4, nil
	case ".html", ".rtf":
		return (size + 7) / 8, nil
	default:
		return (size + 15) / 16, nil
	}
}

// estimateOutputTokens sums a per-type answer size over the schema, plus the
// quoted key of each field.
func (pb *PlanBuilder) estimateOutputTokens() int {
	total := 2
	for _, q := range pb.engine.schema.Questions() {
		total += EstimateTokensFromText(q.FieldName) + 2
		switch q.Type.Kind {
		case TypeBool:
			total += 2
		case TypeInt, TypeFloat, TypeEnum:
			total += 4
		case TypeDate:
			total += 6
		case TypeDatetime:
			total += 10
		case TypeMultiEnum:
			total += 2 + 3*len(q.Type.Options)/2
		case TypeList:
			total += 40
		default:
			total += 30
		}
	}
	return total
}

// MinRunDuration is the shortest wall-clock time n calls can take under a
// rolling per-minute cap, ignoring latency and retries.
func MinRunDuration(calls, requestsPerMinute int) time.Duration {
	if requestsPerMinute <= 0 || calls <= requestsPerMinute {
		return 0
	}
	windows := (calls + requestsPerMinute - 1) / requestsPerMinute
	return time.Duration(windows-1) * time.Minute
}

// calculateCosts calculates abstract and actual costs for all nodes.
func (pb *PlanBuilder) calculateCosts(node *PlanNode) {
	// Calculate costs for children first (bottom-up)
	childrenCost := 0.0
	var childrenAct float64
	for _, child := range node.Children {
		pb.calculateCosts(child)
		childrenCost += child.EstCost
		if child.ActCost != nil {
			childrenAct += *child.ActCost
		}
	}

	node.EstCost = pb.calculateNodeCost(node) + childrenCost

	if pb.pricing != nil {
		act := pb.calculateActualCost(node) + childrenAct
		if act > 0 {
			node.ActCost = &act
		}
	}
}

// calculateNodeCost calculates the abstract cost for a single node.
func (pb *PlanBuilder) calculateNodeCost(node *PlanNode) float64 {
	switch node.Type {
	case SchemaAnalysisType:
		// Cost proportional to number of fields
		return 1.0 + float64(len(node.Fields))*0.5
	case PromptCallType:
		// Base cost plus token-based cost
		return 3.0 + float64(node.InputTokens)*0.01
	case ChunkType:
		return 0.5
	default:
		return 1.0
	}
}

// calculateActualCost calculates the real cost in USD for a prompt call.
func (pb *PlanBuilder) calculateActualCost(node *PlanNode) float64 {
	if node.Type != PromptCallType || node.Model == "" {
		return 0.0
	}
	price, exists := pb.pricing[node.Model]
	if !exists {
		return 0.0
	}
	inputCost := float64(node.InputTokens) * price.PromptTokCost / 1000.0
	outputCost := float64(node.OutputTokens) * price.CompletionTokCost / 1000.0
	return inputCost + outputCost
}

// populateSummaryInfo collects expected models and call counts from the plan tree.
func (pb *PlanBuilder) populateSummaryInfo(rootNode *PlanNode) {
	callCounts := make(map[string]int)
	var expectedModels []string

	var collectStats func(*PlanNode)
	collectStats = func(node *PlanNode) {
		if node.Type == PromptCallType && node.Model != "" {
			if callCounts[node.Model] == 0 {
				expectedModels = append(expectedModels, node.Model)
			}
			callCounts[node.Model]++
		}
		for _, child := range node.Children {
			collectStats(child)
		}
	}
	collectStats(rootNode)

	rootNode.ExpectedModels = expectedModels
	rootNode.ExpectedCallCounts = callCounts
}

// ExplainPretty returns a human-readable formatted plan.
func (pb *PlanBuilder) ExplainPretty(format FormatType) (string, error) {
	plan, err := pb.Explain()
	if err != nil {
		return "", err
	}
	return FormatPlan(plan, format)
}

// FormatPlan formats a plan according to the specified format.
func FormatPlan(plan *PlanNode, format FormatType) (string, error) {
	switch format {
	case FormatText:
		return formatAsText(plan), nil
	case FormatJSON:
		return formatAsJSON(plan)
	case FormatGraphviz:
		return formatAsGraphviz(plan), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// Explain estimates a Run over units without calling the model.
func (o *Orchestrator) Explain(units []ExtractionUnit) (*PlanNode, error) {
	return NewPlanBuilder(o).WithUnits(units).Explain()
}

// DefaultModelPricing returns input/output token costs (USD per 1 K tokens).
func DefaultModelPricing() map[string]ModelPrice {
	return map[string]ModelPrice{
		// OpenAI
		"gpt-4o":        {PromptTokCost: 0.0050, CompletionTokCost: 0.0200},
		"gpt-4o-mini":   {PromptTokCost: 0.0006, CompletionTokCost: 0.0024},
		"gpt-4.1":       {PromptTokCost: 0.0020, CompletionTokCost: 0.0080},
		"gpt-4.1-mini":  {PromptTokCost: 0.0004, CompletionTokCost: 0.0016},
		"gpt-4.1-nano":  {PromptTokCost: 0.0001, CompletionTokCost: 0.0004},
		"gpt-3.5-turbo": {PromptTokCost: 0.0005, CompletionTokCost: 0.0015},

		// Google Gemini
		"gemini-2.5-pro":   {PromptTokCost: 0.00125, CompletionTokCost: 0.0100},
		"gemini-2.5-flash": {PromptTokCost: 0.00030, CompletionTokCost: 0.0025},
		"gemini-2.0-flash": {PromptTokCost: 0.00015, CompletionTokCost: 0.0006},
		"gemini-1.5-pro":   {PromptTokCost: 0.00125, CompletionTokCost: 0.0050},
		"gemini-1.5-flash": {PromptTokCost: 0.000075, CompletionTokCost: 0.00030},
	}
}

// EstimateTokensFromText provides a rough token estimate from text length.
func EstimateTokensFromText(text string) int {
	// Rough heuristic: ~4 characters per token for English text
	return (len(text) + 3) / 4
}
