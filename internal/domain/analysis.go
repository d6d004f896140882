package domain

// TaskStatus is the backend-reported state of a deferred analysis computation.
type TaskStatus string

const (
	// TaskProcessing means the computation is still running.
	TaskProcessing TaskStatus = "processing"
	// TaskCompleted means the computation finished and carries a payload.
	TaskCompleted TaskStatus = "completed"
	// TaskErrored means the computation itself failed; retrying will not help.
	TaskErrored TaskStatus = "errored"
)

// RiskLevel is the backend's assessment of crisis severity.
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRISIS"
)

// Analysis is the structured payload attached to a resolved exchange.
// Memory tags are opaque classification labels (short-term, long-term,
// emotional anchor) produced by the backend; the companion only forwards them.
type Analysis struct {
	RiskLevel        RiskLevel `json:"risk_level,omitempty"`
	Resources        []string  `json:"resources,omitempty"`
	CopingStrategies []string  `json:"coping_strategies,omitempty"`
	MemoryTags       []string  `json:"memory_tags,omitempty"`
}

// CrisisAssessment is the sub-record consumed by the crisis workflow.
type CrisisAssessment struct {
	Level            RiskLevel `json:"level"`
	Explanation      string    `json:"explanation,omitempty"`
	Hotlines         []string  `json:"hotlines,omitempty"`
	CopingStrategies []string  `json:"coping_strategies,omitempty"`
}

// Severe reports whether the assessment warrants surfacing the crisis workflow.
func (c *CrisisAssessment) Severe() bool {
	return c.Level == RiskHigh || c.Level == RiskCritical
}

// ActionPlanSuggestion is the sub-record consumed by the action-plan workflow.
type ActionPlanSuggestion struct {
	ShouldSuggest bool     `json:"should_suggest"`
	Title         string   `json:"title,omitempty"`
	Steps         []string `json:"steps,omitempty"`
}

// ScheduleSuggestion is the sub-record consumed by the schedule workflow.
type ScheduleSuggestion struct {
	ShouldSuggest bool   `json:"should_suggest"`
	Activity      string `json:"activity,omitempty"`
	SuggestedTime string `json:"suggested_time,omitempty"`
}

// AnalysisResult is the terminal payload of a background computation. The
// sub-records are independently present-or-absent read-only snapshots; the
// dispatcher forwards them to workflow controllers without mutation.
type AnalysisResult struct {
	Status       TaskStatus            `json:"status"`
	ReplyText    string                `json:"reply_text,omitempty"`
	Analysis     *Analysis             `json:"analysis,omitempty"`
	Crisis       *CrisisAssessment     `json:"crisis_assessment,omitempty"`
	ActionPlan   *ActionPlanSuggestion `json:"action_plan_suggestion,omitempty"`
	Schedule     *ScheduleSuggestion   `json:"schedule_suggestion,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
}
