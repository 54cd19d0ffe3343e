// Package classifier implements the Severity Classifier (C1): a pure,
// deterministic mapping from raw conflict signals to a severity tier.
package classifier

import "github.com/pulseforge/workspace-pipeline/internal/models"

// Signals are the per-file inputs the Conflict Engine gathers before
// classifying (§4.1).
type Signals struct {
	BranchCount int
	PRCount     int
	TouchesMain bool
}

// Classify applies the decision precedence of §4.1, first match wins:
//  1. prCount >= 2                -> HIGH
//  2. touchesMain                 -> HIGH
//  3. branchCount >= 3            -> HIGH
//  4. branchCount == 2            -> MEDIUM
//  5. otherwise                   -> LOW
func Classify(s Signals) models.Severity {
	switch {
	case s.PRCount >= 2:
		return models.SeverityHigh
	case s.TouchesMain:
		return models.SeverityHigh
	case s.BranchCount >= 3:
		return models.SeverityHigh
	case s.BranchCount == 2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
