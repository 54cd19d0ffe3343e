package models

import "time"

// Priority is a Feature's relative priority.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// FeatureStatus is a Feature's lifecycle state.
type FeatureStatus string

const (
	FeatureActive   FeatureStatus = "ACTIVE"
	FeatureBlocked  FeatureStatus = "BLOCKED"
	FeatureComplete FeatureStatus = "COMPLETE"
)

// Severity tiers a Blocker or a raw conflict signal.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// BlockerType discriminates the Blocker union.
type BlockerType string

const (
	BlockerFileConflictRisk BlockerType = "FILE_CONFLICT_RISK"
	BlockerDependencyBlock  BlockerType = "DEPENDENCY_BLOCK"
	BlockerInactivity       BlockerType = "INACTIVITY"
	BlockerAlignmentDrift   BlockerType = "ALIGNMENT_DRIFT"
)

// PRStatus is a PullRequest's lifecycle state.
type PRStatus string

const (
	PROpen   PRStatus = "open"
	PRMerged PRStatus = "merged"
	PRClosed PRStatus = "closed"
)

// RiskLevel is the workspace-wide health tier derived from healthScore.
type RiskLevel string

const (
	RiskHealthy  RiskLevel = "HEALTHY"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
)

// TrunkBranches is the hard-coded integration-trunk branch set (GLOSSARY).
var TrunkBranches = map[string]struct{}{
	"main":   {},
	"master": {},
}

// IsTrunk reports whether branch is a member of the trunk set.
func IsTrunk(branch string) bool {
	_, ok := TrunkBranches[branch]
	return ok
}

const DefaultActivityWindowHours = 72

// ZeroCommit is the all-zero SHA GitHub sends for branch create/delete pushes.
const ZeroCommit = "0000000000000000000000000000000000000000"

type Workspace struct {
	ID                  string
	GithubRepoID        int64
	GithubFullName      string
	DashboardKey        string
	ActivityWindowHours int
	HealthScore         int
	CreatedAt           time.Time
}

type Member struct {
	WorkspaceID string
	UserUID     string
	Username    string
	LastActive  time.Time
}

type Feature struct {
	ID                   string
	WorkspaceID          string
	Name                 string
	Priority             Priority
	Status               FeatureStatus
	CompletionPercentage int
	Owner                string
}

type FeatureDependency struct {
	WorkspaceID string
	FeatureID   string
	DependsOnID string
}

type FileActivity struct {
	WorkspaceID    string
	Branch         string
	FilePath       string
	LastCommitHash string
	UpdatedAt      time.Time
}

type PullRequest struct {
	ID           string
	WorkspaceID  string
	PRNumber     int
	SourceBranch string
	TargetBranch string
	Status       PRStatus
}

type PRFile struct {
	PullRequestID string
	FilePath      string
}

type Blocker struct {
	ID          string
	WorkspaceID string
	Type        BlockerType
	ReferenceID string
	Severity    Severity
	Description string
	Resolved    bool
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

type WebhookDelivery struct {
	DeliveryID  string
	WorkspaceID string
	RepoID      int64
	Branch      string
	CommitHash  string
	ReceivedAt  time.Time
	DurationMS  int64
}
