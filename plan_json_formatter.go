package metaminer

import (
	"encoding/json"
)

// jsonPlan is the root of a JSON plan. minDuration stays in nanoseconds so
// the document decodes back into a PlanNode.
type jsonPlan struct {
	*PlanNode
	MinDurationText string `json:"minDurationText,omitempty"`
}

// formatAsJSON formats the plan as indented JSON.
func formatAsJSON(plan *PlanNode) (string, error) {
	out := jsonPlan{PlanNode: plan}
	if plan.MinDuration > 0 {
		out.MinDurationText = plan.MinDuration.String()
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
