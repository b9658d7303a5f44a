package schema

import (
	"encoding/json"
	"sort"
	"strings"
)

// StageType tags what a stage of an intervention ladder represents.
type StageType string

const (
	StageFirstLetter       StageType = "FIRST_LETTER"
	StageSecondLetter      StageType = "SECOND_LETTER"
	StageThirdLetter       StageType = "THIRD_LETTER"
	StageMeeting           StageType = "MEETING"
	StageAutomatedSequence StageType = "AUTOMATED_SEQUENCE"
	StageEscalation        StageType = "ESCALATION"
)

// Channel is an external delivery channel for playbook steps.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

// RuleSet is a tenant/school scoped set of eligibility conditions together with
// the stage ladder an eligible student progresses through.
type RuleSet struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	SchoolID   string            `json:"school_id"`
	Name       string            `json:"name"`
	Active     bool              `json:"active"`
	Conditions []json.RawMessage `json:"conditions"` // tagged by "type"
	Stages     []Stage           `json:"stages"`
}

// Stage is one rung of a rule set's ladder. Stages are configuration, never runtime state.
type Stage struct {
	ID                   string            `json:"id"`
	RuleSetID            string            `json:"rule_set_id,omitempty"`
	Order                int               `json:"order"`
	Type                 StageType         `json:"type"`
	DaysBeforeNext       *int              `json:"days_before_next,omitempty"`
	StopConditions       []json.RawMessage `json:"stop_conditions,omitempty"`
	EscalationConditions []json.RawMessage `json:"escalation_conditions,omitempty"`
}

// OrderedStages returns the stages sorted by Order.
func (rs *RuleSet) OrderedStages() []Stage {
	out := make([]Stage, len(rs.Stages))
	copy(out, rs.Stages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// FirstStage returns the lowest-order stage, or nil when the ladder is empty.
func (rs *RuleSet) FirstStage() *Stage {
	stages := rs.OrderedStages()
	if len(stages) == 0 {
		return nil
	}
	return &stages[0]
}

// StageByID looks up a stage by ID.
func (rs *RuleSet) StageByID(id string) *Stage {
	for i := range rs.Stages {
		if rs.Stages[i].ID == id {
			return &rs.Stages[i]
		}
	}
	return nil
}

// NextStage returns the stage following current in ladder order, or nil.
func (rs *RuleSet) NextStage(current *Stage) *Stage {
	for _, s := range rs.OrderedStages() {
		if s.Order > current.Order {
			next := s
			return &next
		}
	}
	return nil
}

// PlaybookDefinition is a multi-step automated communication sequence started
// when an intervention instance enters a stage of TriggerStageType.
type PlaybookDefinition struct {
	ID                             string         `json:"id"`
	TenantID                       string         `json:"tenant_id"`
	Name                           string         `json:"name"`
	TriggerStageType               StageType      `json:"trigger_stage_type"`
	Active                         bool           `json:"active"`
	EscalationAfterDays            *int           `json:"escalation_after_days,omitempty"`
	AttendanceImprovementThreshold *float64       `json:"attendance_improvement_threshold,omitempty"`
	Steps                          []PlaybookStep `json:"steps"`
}

// PlaybookStep is one scheduled message of a playbook.
type PlaybookStep struct {
	ID                    string  `json:"id"`
	Order                 int     `json:"order"`
	OffsetDays            int     `json:"offset_days"`
	Channel               Channel `json:"channel"`
	TemplateRef           string  `json:"template_ref"`
	FallbackChannel       Channel `json:"fallback_channel,omitempty"`
	SkipIfPreviousReplied bool    `json:"skip_if_previous_replied,omitempty"`
}

// OrderedSteps returns the steps sorted by Order.
func (p *PlaybookDefinition) OrderedSteps() []PlaybookStep {
	out := make([]PlaybookStep, len(p.Steps))
	copy(out, p.Steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// StepAfter returns the first step whose order is greater than order, or nil.
// Run pointers start at 0, so StepAfter(0) is the first step.
func (p *PlaybookDefinition) StepAfter(order int) *PlaybookStep {
	for _, s := range p.OrderedSteps() {
		if s.Order > order {
			step := s
			return &step
		}
	}
	return nil
}

// StepBefore returns the last step whose order is lower than order, or nil.
func (p *PlaybookDefinition) StepBefore(order int) *PlaybookStep {
	var prev *PlaybookStep
	for _, s := range p.OrderedSteps() {
		if s.Order >= order {
			break
		}
		step := s
		prev = &step
	}
	return prev
}

// ConditionKind is the normalized type tag of a rule condition: the "type"
// field upper-cased with "_" and "-" removed. It doubles as the triggered
// condition name reported by rule evaluation.
type ConditionKind string

const (
	ConditionAttendancePercentThreshold ConditionKind = "ATTENDANCEPERCENTTHRESHOLD"
	ConditionConsecutiveAbsenceDays     ConditionKind = "CONSECUTIVEABSENCEDAYS"
	ConditionTotalAbsenceDays           ConditionKind = "TOTALABSENCEDAYS"
	ConditionAttendancePercentAbove     ConditionKind = "ATTENDANCEPERCENTABOVE"
	ConditionExpression                 ConditionKind = "EXPRESSION"
)

// KnownConditionKinds lists every condition kind the rule engine evaluates.
var KnownConditionKinds = []ConditionKind{
	ConditionAttendancePercentThreshold,
	ConditionConsecutiveAbsenceDays,
	ConditionTotalAbsenceDays,
	ConditionAttendancePercentAbove,
	ConditionExpression,
}

// Known reports whether k is evaluated by the rule engine.
func (k ConditionKind) Known() bool {
	for _, known := range KnownConditionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// NormalizeConditionKind maps a raw type tag to its ConditionKind.
func NormalizeConditionKind(tag string) ConditionKind {
	r := strings.NewReplacer("_", "", "-", "", " ", "")
	return ConditionKind(strings.ToUpper(r.Replace(strings.TrimSpace(tag))))
}

// ConditionKindOf reads the "type" tag of a raw condition.
func ConditionKindOf(raw json.RawMessage) (ConditionKind, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", NewError(ErrCodeMalformedConfig, "condition is not a JSON object").WithCause(err)
	}
	if strings.TrimSpace(head.Type) == "" {
		return "", NewError(ErrCodeMalformedConfig, "condition has no type")
	}
	return NormalizeConditionKind(head.Type), nil
}
