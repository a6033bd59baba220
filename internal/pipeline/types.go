// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// TaskState represents the lifecycle state of a submission task.
type TaskState string

// Task states persisted in the task store. Completed, Failed and Skipped
// are terminal.
const (
	TaskStatePending        TaskState = "pending"
	TaskStateFormAnalyzed   TaskState = "form_analyzed"
	TaskStateCaptchaPending TaskState = "captcha_pending"
	TaskStateSubmitting     TaskState = "submitting"
	TaskStateCompleted      TaskState = "completed"
	TaskStateFailed         TaskState = "failed"
	TaskStateSkipped        TaskState = "skipped"
)

// IsTerminal reports whether the state ends the task lifecycle.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// DiscoveryMethod tags how a directory entered the catalog.
type DiscoveryMethod string

// Discovery methods.
const (
	DiscoveryCatalog DiscoveryMethod = "catalog"
	DiscoveryDynamic DiscoveryMethod = "dynamic"
)

// CaptchaType identifies the anti-automation gate on a submission form.
type CaptchaType string

// Supported challenge types.
const (
	CaptchaRecaptchaV2 CaptchaType = "recaptcha_v2"
	CaptchaRecaptchaV3 CaptchaType = "recaptcha_v3"
	CaptchaHCaptcha    CaptchaType = "hcaptcha"
)

// MappingSource tags where a field mapping candidate came from.
type MappingSource string

// Mapping sources.
const (
	SourcePattern MappingSource = "pattern"
	SourceAI      MappingSource = "ai"
)

// DirectoryRecord describes one third-party directory. Records are
// snapshotted onto a SubmissionTask when enqueued and treated as immutable
// from then on.
type DirectoryRecord struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	SubmissionURL    string            `json:"submissionUrl"`
	Category         string            `json:"category"`
	DomainAuthority  int               `json:"domainAuthority"`
	TrafficPotential int               `json:"trafficPotential"`
	Difficulty       string            `json:"difficulty"`
	Priority         string            `json:"priority"`
	RequiresLogin    bool              `json:"requiresLogin"`
	HasCaptcha       bool              `json:"hasCaptcha"`
	CaptchaType      CaptchaType       `json:"captchaType,omitempty"`
	FormMapping      *FormFieldMapping `json:"formMapping,omitempty"`
	FormFieldCount   int               `json:"formFieldCount,omitempty"`
	AntiBotLevel     int               `json:"antiBotLevel,omitempty"`
	SuccessRate      float64           `json:"successRate,omitempty"`
	DiscoveryMethod  DiscoveryMethod   `json:"discoveryMethod"`
	LastVerifiedAt   time.Time         `json:"lastVerifiedAt,omitempty"`
}

// BusinessProfile is the canonical field set owned by the customer. It is a
// read-only input to the pipeline.
type BusinessProfile struct {
	BusinessName string            `json:"businessName"`
	Email        string            `json:"email"`
	Phone        string            `json:"phone"`
	Website      string            `json:"website"`
	Address      string            `json:"address"`
	City         string            `json:"city"`
	State        string            `json:"state"`
	Zip          string            `json:"zip"`
	Description  string            `json:"description"`
	Category     string            `json:"category"`
	SocialLinks  map[string]string `json:"socialLinks,omitempty"`
}

// Field returns the profile value for a canonical field name, or "" when the
// field is unknown or empty.
func (p BusinessProfile) Field(name string) string {
	switch name {
	case FieldBusinessName:
		return p.BusinessName
	case FieldEmail:
		return p.Email
	case FieldPhone:
		return p.Phone
	case FieldWebsite:
		return p.Website
	case FieldAddress:
		return p.Address
	case FieldCity:
		return p.City
	case FieldState:
		return p.State
	case FieldZip:
		return p.Zip
	case FieldDescription:
		return p.Description
	case FieldCategory:
		return p.Category
	default:
		return ""
	}
}

// Canonical business-profile field names.
const (
	FieldBusinessName = "businessName"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldWebsite      = "website"
	FieldAddress      = "address"
	FieldCity         = "city"
	FieldState        = "state"
	FieldZip          = "zip"
	FieldDescription  = "description"
	FieldCategory     = "category"
)

// RequiredFields are the canonical fields that weigh into the overall mapping
// confidence. Optional fields never lower the score.
var RequiredFields = []string{
	FieldBusinessName,
	FieldAddress,
	FieldCity,
	FieldPhone,
	FieldEmail,
}

// FieldMapping holds the selector candidates for one canonical field, best
// candidate first.
type FieldMapping struct {
	SelectorCandidates []string      `json:"selectorCandidates"`
	Confidence         float64       `json:"confidence"`
	Source             MappingSource `json:"source"`
}

// FormFieldMapping maps canonical field names to fillable form targets. It is
// mutable only during the mapping step, then frozen onto the SubmissionTask.
type FormFieldMapping struct {
	Fields     map[string]FieldMapping `json:"fields"`
	Confidence float64                 `json:"confidence"`
}

// Unmappable reports whether no field could be mapped at all. An unmappable
// form must be skipped, never submitted with empty fields.
func (m FormFieldMapping) Unmappable() bool {
	return m.Confidence == 0
}

// CaptchaChallenge describes a challenge detected during a form probe.
type CaptchaChallenge struct {
	Type     CaptchaType `json:"type"`
	SiteKey  string      `json:"siteKey"`
	PageURL  string      `json:"pageUrl"`
	MinScore float64     `json:"minScore,omitempty"`
}

// CaptchaSolution is produced once per successful solve. Cost and latency
// cover every attempted provider, not just the winner.
type CaptchaSolution struct {
	Token         string  `json:"token"`
	ProviderUsed  string  `json:"providerUsed"`
	Cost          float64 `json:"cost"`
	LatencyMs     int64   `json:"latencyMs"`
	ScoreAchieved float64 `json:"scoreAchieved,omitempty"`
}

// SolveBudget caps total spend across providers for a single submission.
type SolveBudget struct {
	MaxCost float64
	MaxWait time.Duration
}

// SubmissionTask is the unit of work: one customer's attempt to submit to one
// directory. A (CustomerID, DirectoryID) pair is unique and never processed
// concurrently.
type SubmissionTask struct {
	ID          string            `json:"id"`
	CustomerID  string            `json:"customerId"`
	DirectoryID string            `json:"directoryId"`
	Directory   DirectoryRecord   `json:"directory"`
	Profile     BusinessProfile   `json:"businessProfile"`
	Mapping     *FormFieldMapping `json:"mapping,omitempty"`
	State       TaskState         `json:"state"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// SubmissionResult is the append-only audit record produced exactly once per
// terminal task.
type SubmissionResult struct {
	TaskID           string    `json:"taskId"`
	CustomerID       string    `json:"customerId"`
	DirectoryID      string    `json:"directoryId"`
	State            TaskState `json:"state"`
	Success          bool      `json:"success"`
	FieldsCompleted  int       `json:"fieldsCompleted"`
	CaptchaSolved    bool      `json:"captchaSolved"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Cost             float64   `json:"cost"`
	FailureReason    string    `json:"failureReason,omitempty"`
	ReceiptURI       string    `json:"receiptUri,omitempty"`
	RecordedAt       time.Time `json:"recordedAt"`
}

// CompletionEvent is the message published once per terminal task. Downstream
// billing and allocation consumers count submissions from these events, so
// the payload stays a stable subset of SubmissionResult.
type CompletionEvent struct {
	TaskID      string    `json:"taskId"`
	CustomerID  string    `json:"customerId"`
	DirectoryID string    `json:"directoryId"`
	State       TaskState `json:"state"`
	Success     bool      `json:"success"`
	Cost        float64   `json:"cost"`
	ReceiptURI  string    `json:"receiptUri,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// EventFromResult derives the published payload from a recorded result.
func EventFromResult(result SubmissionResult) CompletionEvent {
	return CompletionEvent{
		TaskID:      result.TaskID,
		CustomerID:  result.CustomerID,
		DirectoryID: result.DirectoryID,
		State:       result.State,
		Success:     result.Success,
		Cost:        result.Cost,
		ReceiptURI:  result.ReceiptURI,
		RecordedAt:  result.RecordedAt,
	}
}

// DiscoveryCriteria is the transient, request-scoped input to discovery.
type DiscoveryCriteria struct {
	Industry           string `json:"industry"`
	Location           string `json:"location,omitempty"`
	BusinessType       string `json:"businessType,omitempty"`
	MinDomainAuthority int    `json:"minDomainAuthority,omitempty"`
	MaxResults         int    `json:"maxResults"`
}

// DiscoveryStats summarizes a discovery run for the API response.
type DiscoveryStats struct {
	CatalogMatches int   `json:"catalogMatches"`
	DynamicMatches int   `json:"dynamicMatches"`
	Deduplicated   int   `json:"deduplicated"`
	DurationMs     int64 `json:"durationMs"`
}

// ProbeResult captures what a form-page probe observed.
type ProbeResult struct {
	URL              string
	StatusCode       int
	HTML             string
	Challenge        *CaptchaChallenge
	FieldCount       int
	LikelyMultiStep  bool
	RequiresLogin    bool
	RenderedHeadless bool
	Duration         time.Duration
}

// SubmitOutcome is returned by a successful form submission attempt.
type SubmitOutcome struct {
	FieldsCompleted int
	StatusCode      int
	ResponseHTML    []byte
	Duration        time.Duration
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	TaskID      string
	CustomerID  string
	DirectoryID string
	Attempt     int
	Submitted   int64
}
