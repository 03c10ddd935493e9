package metaminer

import (
	"fmt"
	"strings"
)

// formatAsText formats the plan as an ASCII tree.
func formatAsText(plan *PlanNode) string {
	var sb strings.Builder
	sb.WriteString("Extraction Plan (estimated costs)\n")
	formatNodeAsText(plan, "", true, &sb)
	if plan.MinDuration > 0 {
		sb.WriteString(fmt.Sprintf("Rate limit holds this run to at least %s\n", plan.MinDuration))
	}
	return sb.String()
}

// formatNodeAsText recursively formats a node and its children as text.
func formatNodeAsText(node *PlanNode, prefix string, isLast bool, sb *strings.Builder) {
	// Choose the appropriate tree connector
	connector := "├─ "
	if isLast {
		connector = "└─ "
	}
	if prefix == "" {
		connector = ""
	}

	sb.WriteString(fmt.Sprintf("%s%s%s\n", prefix, connector, formatNodeInfo(node)))

	childPrefix := prefix
	if prefix == "" {
		// First level children get "  " as prefix to properly indent them
		childPrefix = "  "
	} else {
		if isLast {
			childPrefix += "   "
		} else {
			childPrefix += "│  "
		}
	}

	for i, child := range node.Children {
		formatNodeAsText(child, childPrefix, i == len(node.Children)-1, sb)
	}
}

// formatNodeInfo formats information for a single node.
func formatNodeInfo(node *PlanNode) string {
	parts := []string{string(node.Type)}

	if node.PromptName != "" {
		parts = append(parts, fmt.Sprintf(`"%s"`, node.PromptName))
	}

	var details []string

	if node.Model != "" {
		details = append(details, fmt.Sprintf("model=%s", node.Model))
	}

	details = append(details, fmt.Sprintf("cost=%.1f", node.EstCost))

	if node.InputTokens > 0 || node.OutputTokens > 0 {
		if node.OutputTokens > 0 {
			details = append(details, fmt.Sprintf("tokens(in=%d,out=%d)", node.InputTokens, node.OutputTokens))
		} else {
			details = append(details, fmt.Sprintf("tokens(in=%d)", node.InputTokens))
		}
	}

	switch node.Type {
	case ChunkType:
		details = append(details, fmt.Sprintf("units=%v..%v", node.Metadata["from"], node.Metadata["to"]))
	case PromptCallType:
		if msg, ok := node.Metadata["error"]; ok {
			details = append(details, fmt.Sprintf("error=%v", msg))
		}
	default:
		if len(node.Fields) == 1 {
			details = append(details, fmt.Sprintf("field=%s", node.Fields[0]))
		} else if len(node.Fields) > 1 {
			details = append(details, fmt.Sprintf("fields=%v", node.Fields))
		}
	}

	if node.ActCost != nil {
		details = append(details, fmt.Sprintf("$%.6f", *node.ActCost))
	}

	parts = append(parts, fmt.Sprintf("(%s)", strings.Join(details, ", ")))
	return strings.Join(parts, " ")
}

// formatAsGraphviz formats the plan as Graphviz DOT format.
func formatAsGraphviz(plan *PlanNode) string {
	var sb strings.Builder
	sb.WriteString("digraph ExtractionPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")

	nodeCounter := 0
	nodeMap := make(map[*PlanNode]string)

	generateGraphvizNodes(plan, &nodeCounter, nodeMap, &sb)
	generateGraphvizEdges(plan, nodeMap, &sb)

	sb.WriteString("}\n")
	return sb.String()
}

func generateGraphvizNodes(node *PlanNode, counter *int, nodeMap map[*PlanNode]string, sb *strings.Builder) {
	nodeID := fmt.Sprintf("node%d", *counter)
	*counter++
	nodeMap[node] = nodeID

	sb.WriteString(fmt.Sprintf("  %s [label=\"%s\"];\n", nodeID, formatGraphvizNodeLabel(node)))

	for _, child := range node.Children {
		generateGraphvizNodes(child, counter, nodeMap, sb)
	}
}

func generateGraphvizEdges(node *PlanNode, nodeMap map[*PlanNode]string, sb *strings.Builder) {
	nodeID := nodeMap[node]
	for _, child := range node.Children {
		sb.WriteString(fmt.Sprintf("  %s -> %s;\n", nodeID, nodeMap[child]))
		generateGraphvizEdges(child, nodeMap, sb)
	}
}

var dotEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func formatGraphvizNodeLabel(node *PlanNode) string {
	var parts []string
	if node.PromptName != "" {
		parts = append(parts, fmt.Sprintf("%s: %s", node.Type, dotEscaper.Replace(node.PromptName)))
	} else {
		parts = append(parts, string(node.Type))
	}
	if node.Model != "" {
		parts = append(parts, fmt.Sprintf("model: %s", dotEscaper.Replace(node.Model)))
	}
	parts = append(parts, fmt.Sprintf("cost=%.1f", node.EstCost))
	if n := len(node.Fields); n > 0 && node.Type != PromptCallType {
		parts = append(parts, fmt.Sprintf("fields: %d", n))
	}
	return strings.Join(parts, "\\n")
}
