package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vivaneiona/metaminer"
)

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		format  string
		explain bool
		wantErr bool
	}{
		{"csv", false, false},
		{"JSON", false, false},
		{"xlsx", false, false},
		{"dot", false, true},
		{"text", false, true},
		{"csv", true, false},
		{"text", true, false},
		{"json", true, false},
		{"dot", true, false},
		{"xlsx", true, true},
	}
	for _, tt := range tests {
		err := checkFormat(tt.format, tt.explain)
		if tt.wantErr {
			assert.Error(t, err, "%s explain=%v", tt.format, tt.explain)
		} else {
			assert.NoError(t, err, "%s explain=%v", tt.format, tt.explain)
		}
	}
}

func TestPlanFormat(t *testing.T) {
	assert.Equal(t, metaminer.FormatText, planFormat("csv"))
	assert.Equal(t, metaminer.FormatText, planFormat("text"))
	assert.Equal(t, metaminer.FormatJSON, planFormat("Json"))
	assert.Equal(t, metaminer.FormatGraphviz, planFormat("dot"))
}
