package domain

import "time"

// WorkflowType identifies an independent follow-up workflow triggered by a
// completed analysis.
type WorkflowType string

const (
	WorkflowCrisis     WorkflowType = "crisis"
	WorkflowActionPlan WorkflowType = "action_plan"
	WorkflowSchedule   WorkflowType = "schedule"
)

// ValidWorkflowType reports whether t names a known workflow.
func ValidWorkflowType(t WorkflowType) bool {
	switch t {
	case WorkflowCrisis, WorkflowActionPlan, WorkflowSchedule:
		return true
	}
	return false
}

// WorkflowState is the suggestion currently offered to the user for one
// workflow type. At most one instance per type is active; a newer completed
// result replaces the suggestion data (last write wins) rather than stacking
// a second prompt.
type WorkflowState struct {
	Type        WorkflowType `json:"type"`
	ExchangeID  string       `json:"exchange_id"`
	ActivatedAt time.Time    `json:"activated_at"`

	// Exactly one of the following is set, matching Type.
	Crisis     *CrisisAssessment     `json:"crisis_assessment,omitempty"`
	ActionPlan *ActionPlanSuggestion `json:"action_plan_suggestion,omitempty"`
	Schedule   *ScheduleSuggestion   `json:"schedule_suggestion,omitempty"`
}
