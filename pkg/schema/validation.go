package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks loading or only
// flags something the engine will skip at runtime.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// DefinitionKind names the kind of definition a ValidationResult describes.
type DefinitionKind string

const (
	DefinitionRuleSet  DefinitionKind = "rule_set"
	DefinitionPlaybook DefinitionKind = "playbook"
)

func (k DefinitionKind) label() string {
	switch k {
	case DefinitionRuleSet:
		return "rule set"
	case DefinitionPlaybook:
		return "playbook"
	default:
		return "definition"
	}
}

// ValidationIssue is one problem found in a definition. Path is relative to
// the definition root, e.g. "stages[0].type" or "steps[2].channel".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues for a single rule set or playbook.
// Warnings never block loading; a malformed condition is a warning because
// the engine skips it rather than failing the whole rule set.
type ValidationResult struct {
	Kind     DefinitionKind    `json:"kind,omitempty"`
	ID       string            `json:"id,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// NewValidationResult returns an empty result for the given definition.
func NewValidationResult(kind DefinitionKind, id string) *ValidationResult {
	return &ValidationResult{Kind: kind, ID: id}
}

// Subject renders the definition as `rule set "rs-1"`, for messages.
func (r *ValidationResult) Subject() string {
	if r.ID == "" {
		return r.Kind.label()
	}
	return fmt.Sprintf("%s %q", r.Kind.label(), r.ID)
}

// Valid returns true if there are no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// SkippedConditions returns the paths of conditions the engine will ignore
// because they are malformed or of an unknown kind.
func (r *ValidationResult) SkippedConditions() []string {
	var paths []string
	for _, w := range r.Warnings {
		if w.Code == ErrCodeMalformedConfig {
			paths = append(paths, w.Path)
		}
	}
	return paths
}

// Merge folds other into r. r keeps its own definition identity unless it
// has none.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if r.Kind == "" {
		r.Kind, r.ID = other.Kind, other.ID
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a VALIDATION *Error naming the definition,
// or nil when valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if p := r.Errors[0].Path; p != "" && p != "/" {
		msg = p + ": " + msg
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%d errors", len(r.Errors))
	}

	return NewErrorf(ErrCodeValidation, "%s is invalid: %s", r.Subject(), msg).
		WithDetails(map[string]any{
			"definition_kind": string(r.Kind),
			"definition_id":   r.ID,
			"error_count":     len(r.Errors),
			"warning_count":   len(r.Warnings),
			"errors":          r.Errors,
			"warnings":        r.Warnings,
		})
}
