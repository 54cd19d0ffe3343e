package classifier

import (
	"testing"

	"github.com/pulseforge/workspace-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   Signals
		want models.Severity
	}{
		{"two open PRs wins over everything else", Signals{PRCount: 2, TouchesMain: false, BranchCount: 1}, models.SeverityHigh},
		{"touches main escalates regardless of branch count", Signals{BranchCount: 1, TouchesMain: true}, models.SeverityHigh},
		{"three or more branches", Signals{BranchCount: 3}, models.SeverityHigh},
		{"exactly two branches", Signals{BranchCount: 2}, models.SeverityMedium},
		{"single branch, single PR, no trunk touch", Signals{BranchCount: 1, PRCount: 1}, models.SeverityLow},
		{"no signals at all", Signals{}, models.SeverityLow},
		{"pr precedence beats branch count of three", Signals{PRCount: 2, BranchCount: 5}, models.SeverityHigh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.in))
		})
	}
}
