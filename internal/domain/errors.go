package domain

import (
	"time"
)

// Severity grades a pipeline error for the UI's error surface decision.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ErrorCategory is the flat error taxonomy carried by PipelineError.
type ErrorCategory string

const (
	CategoryAPIError           ErrorCategory = "api_error"
	CategoryAdapterError       ErrorCategory = "adapter_error"
	CategorySchemaError        ErrorCategory = "schema_error"
	CategoryDataCorruption     ErrorCategory = "data_corruption"
	CategoryResolutionError    ErrorCategory = "resolution_error"
	CategoryInvariantViolation ErrorCategory = "invariant_violation"
)

// Well-known error codes.
const (
	CodeSchemaAmbiguous = "SCHEMA_AMBIGUOUS"
	CodeSchemaMissing   = "SCHEMA_MISSING"
	CodeAlreadyRunning  = "ALREADY_RUNNING"
	CodeTimeout         = "TIMEOUT"
	CodeManualUpload    = "MANUAL_UPLOAD_REQUIRED"
	CodeWeightSum       = "WEIGHT_SUM_OUT_OF_BAND"
	CodeUnknownCommand  = "UNKNOWN_COMMAND"
)

// PipelineError is the serializable error value every component returns
// instead of raising across a phase boundary.
type PipelineError struct {
	Phase     string        `json:"phase"`
	Severity  Severity      `json:"severity"`
	Category  ErrorCategory `json:"category"`
	Code      string        `json:"code"`
	Item      string        `json:"item"`
	Message   string        `json:"message"`
	FixHint   string        `json:"fix_hint,omitempty"`
	Expected  string        `json:"expected,omitempty"`
	Actual    string        `json:"actual,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Error implements the error interface so a PipelineError can travel through
// error returns before it lands in the run buffer.
func (e *PipelineError) Error() string {
	return string(e.Category) + "/" + e.Code + ": " + e.Message
}

// DataQualityIssue is one scored entry in the health report.
type DataQualityIssue struct {
	Severity Severity      `json:"severity"`
	Category ErrorCategory `json:"category"`
	Item     string        `json:"item"`
	Message  string        `json:"message"`
}

// DataQuality aggregates run issues into a trust score.
type DataQuality struct {
	QualityScore  float64                `json:"quality_score"`
	IsTrustworthy bool                   `json:"is_trustworthy"`
	TotalIssues   int                    `json:"total_issues"`
	BySeverity    map[Severity]int       `json:"by_severity"`
	ByCategory    map[ErrorCategory]int  `json:"by_category"`
	Issues        []DataQualityIssue     `json:"issues"`
}

// Penalty per issue severity, in score points out of 100.
var severityPenalty = map[Severity]float64{
	SeverityCritical: 25,
	SeverityHigh:     10,
	SeverityMedium:   3,
	SeverityLow:      1,
}

// TrustworthyFloor is the minimum quality score for a trustworthy report.
const TrustworthyFloor = 0.70

// ScoreDataQuality converts accumulated errors into a quality score in
// [0, 1] and the trustworthiness verdict derived from it.
func ScoreDataQuality(errors []PipelineError) DataQuality {
	dq := DataQuality{
		BySeverity: make(map[Severity]int),
		ByCategory: make(map[ErrorCategory]int),
		Issues:     make([]DataQualityIssue, 0, len(errors)),
	}

	penalty := 0.0
	for i := range errors {
		e := &errors[i]
		dq.TotalIssues++
		dq.BySeverity[e.Severity]++
		dq.ByCategory[e.Category]++
		dq.Issues = append(dq.Issues, DataQualityIssue{
			Severity: e.Severity,
			Category: e.Category,
			Item:     e.Item,
			Message:  e.Message,
		})
		penalty += severityPenalty[e.Severity]
	}

	score := (100.0 - penalty) / 100.0
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	dq.QualityScore = score
	dq.IsTrustworthy = score >= TrustworthyFloor
	return dq
}
