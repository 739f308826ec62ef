package dispatch

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// Downgrade reasons recorded on the dispatch log when a success report is
// rejected.
const (
	ReasonFalsePositive  = "false_positive_success"
	ReasonOutputTooShort = "output_too_short"
	ReasonClaimTimeout   = "claim_timeout"
)

// SubstantialOutputMin is the minimum validation-text length for idea-task
// success reports.
const SubstantialOutputMin = 100

// MinimumNotesLen is the minimum combined notes/output length accepted by
// the task-complete callback.
const MinimumNotesLen = 50

// CallbackEnvelope is the union of both callback payload shapes the
// reconciler accepts: the current status-string form and the legacy
// success-bool form. Normalize once at entry; everything downstream works
// on Outcome.
type CallbackEnvelope struct {
	TaskID             string `json:"task_id,omitempty"`
	QueueEntryID       string `json:"queue_entry_id,omitempty"`
	Status             string `json:"status,omitempty"`
	Success            *bool  `json:"success,omitempty"`
	Output             string `json:"output,omitempty"`
	Result             string `json:"result,omitempty"`
	Logs               string `json:"logs,omitempty"`
	Notes              string `json:"notes,omitempty"`
	Error              string `json:"error,omitempty"`
	DurationMS         int64  `json:"duration_ms,omitempty"`
	Executor           string `json:"executor,omitempty"`
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
	Quarantine         bool   `json:"quarantine,omitempty"`
	RetryCount         int    `json:"retry_count,omitempty"`
}

// Outcome is the canonical executor outcome after envelope normalization.
type Outcome struct {
	Success          bool
	Quarantined      bool
	Result           string
	Error            string
	ValidationText   string
	MatchedIndicator string
	DowngradeReason  string
	Executor         string
	DurationMS       int64
}

var markdownConverter = md.NewConverter("", true, nil)

// normalizeMarkup converts HTML executor logs to markdown so stored results
// and the indicator scan see prose, not tags. Non-HTML text passes through.
func normalizeMarkup(s string) string {
	if !strings.Contains(s, "</") && !strings.Contains(s, "/>") {
		return s
	}
	converted, err := markdownConverter.ConvertString(s)
	if err != nil {
		return s
	}
	return converted
}

// NormalizeOutcome collapses a callback envelope to a canonical outcome.
// Explicit success wins over the status string; the validation text is the
// concatenation of every text field the executor reported.
func NormalizeOutcome(env *CallbackEnvelope) *Outcome {
	success := env.Status == "completed"
	if env.Success != nil {
		success = *env.Success
	}

	result := firstNonEmpty(env.Result, env.Output, env.Logs)
	var parts []string
	for _, s := range []string{env.Result, env.Output, env.Logs, env.Notes, env.Error} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, normalizeMarkup(s))
		}
	}

	return &Outcome{
		Success:        success,
		Quarantined:    env.Quarantine || env.Status == "quarantined",
		Result:         normalizeMarkup(result),
		Error:          env.Error,
		ValidationText: strings.Join(parts, "\n"),
		Executor:       env.Executor,
		DurationMS:     env.DurationMS,
	}
}

// ApplySemanticCheck downgrades a success outcome whose validation text
// contains a failure indicator.
func (o *Outcome) ApplySemanticCheck() {
	if !o.Success {
		return
	}
	if indicator, found := ScanForFailure(o.ValidationText); found {
		o.Success = false
		o.MatchedIndicator = indicator
		o.DowngradeReason = ReasonFalsePositive
		if o.Error == "" {
			o.Error = "executor reported success but output indicates incomplete work"
		}
	}
}

// ApplySubstantialOutputCheck downgrades a success outcome whose validation
// text is shorter than min. Applied on the idea-task path only.
func (o *Outcome) ApplySubstantialOutputCheck(min int) {
	if !o.Success {
		return
	}
	if len(strings.TrimSpace(o.ValidationText)) < min {
		o.Success = false
		o.DowngradeReason = ReasonOutputTooShort
		if o.Error == "" {
			o.Error = "executor output too short to verify completion"
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
