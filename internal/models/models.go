package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationRestricted   DataClassification = "RESTRICTED"
)

type Criticality string

const (
	CriticalityLow      Criticality = "LOW"
	CriticalityMedium   Criticality = "MEDIUM"
	CriticalityHigh     Criticality = "HIGH"
	CriticalityCritical Criticality = "CRITICAL"
)

// Severity is shared by role risk levels, SoD rules and findings.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

func AllSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Rank orders severities, CRITICAL highest. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

func (s Severity) Valid() bool {
	for _, v := range AllSeverities() {
		if s == v {
			return true
		}
	}
	return false
}

type ReviewFrequency string

const (
	FrequencyMonthly    ReviewFrequency = "MONTHLY"
	FrequencyQuarterly  ReviewFrequency = "QUARTERLY"
	FrequencySemiAnnual ReviewFrequency = "SEMI_ANNUAL"
	FrequencyAnnual     ReviewFrequency = "ANNUAL"
)

type AttestationType string

const (
	AttestationSingle AttestationType = "SINGLE"
	AttestationDual   AttestationType = "DUAL"
)

type CheckType string

const (
	CheckEmploymentStatus    CheckType = "EMPLOYMENT_STATUS"
	CheckSegregationOfDuties CheckType = "SEGREGATION_OF_DUTIES"
	CheckPrivilegedAccess    CheckType = "PRIVILEGED_ACCESS"
	CheckDormantAccount      CheckType = "DORMANT_ACCOUNT"
	CheckAppropriateness     CheckType = "ACCESS_APPROPRIATENESS"
	CheckAuthorization       CheckType = "ACCESS_AUTHORIZATION"
	CheckCustom              CheckType = "CUSTOM"
)

type EmploymentStatus string

const (
	EmploymentActive     EmploymentStatus = "ACTIVE"
	EmploymentTerminated EmploymentStatus = "TERMINATED"
	EmploymentLeave      EmploymentStatus = "LEAVE"
	EmploymentContractor EmploymentStatus = "CONTRACTOR"
	EmploymentUnknown    EmploymentStatus = "UNKNOWN"
)

type ReviewStatus string

const (
	ReviewStatusDraft              ReviewStatus = "DRAFT"
	ReviewStatusDataCollection     ReviewStatus = "DATA_COLLECTION"
	ReviewStatusAnalysisPending    ReviewStatus = "ANALYSIS_PENDING"
	ReviewStatusAnalysisComplete   ReviewStatus = "ANALYSIS_COMPLETE"
	ReviewStatusInReview           ReviewStatus = "IN_REVIEW"
	ReviewStatusPendingAttestation ReviewStatus = "PENDING_ATTESTATION"
	ReviewStatusCompleted          ReviewStatus = "COMPLETED"
	ReviewStatusArchived           ReviewStatus = "ARCHIVED"
)

func AllReviewStatuses() []ReviewStatus {
	return []ReviewStatus{
		ReviewStatusDraft,
		ReviewStatusDataCollection,
		ReviewStatusAnalysisPending,
		ReviewStatusAnalysisComplete,
		ReviewStatusInReview,
		ReviewStatusPendingAttestation,
		ReviewStatusCompleted,
		ReviewStatusArchived,
	}
}

// AccessReviewStatus is the per-record review outcome.
type AccessReviewStatus string

const (
	AccessStatusPending      AccessReviewStatus = "PENDING"
	AccessStatusAutoApproved AccessReviewStatus = "AUTO_APPROVED"
	AccessStatusNeedsReview  AccessReviewStatus = "NEEDS_REVIEW"
	AccessStatusApproved     AccessReviewStatus = "APPROVED"
	AccessStatusRevoked      AccessReviewStatus = "REVOKED"
	AccessStatusException    AccessReviewStatus = "EXCEPTION"
	AccessStatusRemediation  AccessReviewStatus = "REMEDIATION"
)

type FindingType string

const (
	FindingTerminatedAccess FindingType = "TERMINATED_ACCESS"
	FindingSodConflict      FindingType = "SOD_CONFLICT"
	FindingPrivilegedAccess FindingType = "PRIVILEGED_ACCESS"
	FindingDormantAccount   FindingType = "DORMANT_ACCOUNT"
	FindingOrphanedAccount  FindingType = "ORPHANED_ACCOUNT"
	FindingExcessiveAccess  FindingType = "EXCESSIVE_ACCESS"
	FindingCustom           FindingType = "CUSTOM"
)

type FindingStatus string

const (
	FindingStatusOpen               FindingStatus = "OPEN"
	FindingStatusInReview           FindingStatus = "IN_REVIEW"
	FindingStatusPendingRemediation FindingStatus = "PENDING_REMEDIATION"
	FindingStatusRemediated         FindingStatus = "REMEDIATED"
	FindingStatusExceptionApproved  FindingStatus = "EXCEPTION_APPROVED"
	FindingStatusDismissed          FindingStatus = "DISMISSED"
	FindingStatusClosed             FindingStatus = "CLOSED"
)

func AllFindingStatuses() []FindingStatus {
	return []FindingStatus{
		FindingStatusOpen,
		FindingStatusInReview,
		FindingStatusPendingRemediation,
		FindingStatusRemediated,
		FindingStatusExceptionApproved,
		FindingStatusDismissed,
		FindingStatusClosed,
	}
}

// Resolved reports whether the finding no longer counts toward open risk.
func (s FindingStatus) Resolved() bool {
	switch s {
	case FindingStatusRemediated, FindingStatusDismissed, FindingStatusClosed:
		return true
	}
	return false
}

type Decision string

const (
	DecisionRemediate Decision = "REMEDIATE"
	DecisionException Decision = "EXCEPTION"
	DecisionDismiss   Decision = "DISMISS"
)

type ReportType string

const (
	ReportTypeReviewSummary  ReportType = "REVIEW_SUMMARY"
	ReportTypeFindingsDetail ReportType = "FINDINGS_DETAIL"
	ReportTypeSodConflicts   ReportType = "SOD_CONFLICTS"
	ReportTypeAttestation    ReportType = "ATTESTATION"
	ReportTypeAccessListing  ReportType = "ACCESS_LISTING"
)

type ReportFormat string

const (
	ReportFormatCSV ReportFormat = "CSV"
	ReportFormatPDF ReportFormat = "PDF"
)

type ReportStatus string

const (
	ReportStatusPending    ReportStatus = "PENDING"
	ReportStatusGenerating ReportStatus = "GENERATING"
	ReportStatusCompleted  ReportStatus = "COMPLETED"
	ReportStatusFailed     ReportStatus = "FAILED"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

type Application struct {
	ID                   uuid.UUID          `json:"id" db:"id"`
	Name                 string             `json:"name" db:"name"`
	Description          string             `json:"description" db:"description"`
	Vendor               string             `json:"vendor" db:"vendor"`
	SystemOwner          string             `json:"systemOwner" db:"system_owner"`
	BusinessUnit         string             `json:"businessUnit" db:"business_unit"`
	Purpose              string             `json:"purpose" db:"purpose"`
	TypicalUsers         string             `json:"typicalUsers" db:"typical_users"`
	SensitiveFunctions   string             `json:"sensitiveFunctions" db:"sensitive_functions"`
	AccessRequestProcess string             `json:"accessRequestProcess" db:"access_request_process"`
	DataClassification   DataClassification `json:"dataClassification" db:"data_classification"`
	Criticality          Criticality        `json:"criticality" db:"criticality"`
	RegulatoryScope      StringArray        `json:"regulatoryScope" db:"regulatory_scope"`
	FrameworkID          *uuid.UUID         `json:"frameworkId,omitempty" db:"framework_id"`
	ProfileCompleteness  int                `json:"profileCompleteness" db:"profile_completeness"`
	IsActive             bool               `json:"isActive" db:"is_active"`
	CreatedAt            time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time          `json:"updatedAt" db:"updated_at"`
}

type ApplicationRole struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ApplicationID uuid.UUID `json:"applicationId" db:"application_id"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description" db:"description"`
	RiskLevel     Severity  `json:"riskLevel" db:"risk_level"`
	IsPrivileged  bool      `json:"isPrivileged" db:"is_privileged"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// SodConflict is an unordered pair of mutually exclusive roles. Stored with
// Role1ID < Role2ID.
type SodConflict struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ApplicationID uuid.UUID `json:"applicationId" db:"application_id"`
	Role1ID       uuid.UUID `json:"role1Id" db:"role1_id"`
	Role2ID       uuid.UUID `json:"role2Id" db:"role2_id"`
	Severity      Severity  `json:"severity" db:"severity"`
	Description   string    `json:"description" db:"description"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// Normalize orders the role pair so equal pairs compare equal.
func (c *SodConflict) Normalize() {
	if c.Role2ID.String() < c.Role1ID.String() {
		c.Role1ID, c.Role2ID = c.Role2ID, c.Role1ID
	}
}

type Thresholds struct {
	DormantDays  int `json:"dormantDays" db:"dormant_days"`
	WarningDays  int `json:"warningDays" db:"warning_days"`
	CriticalDays int `json:"criticalDays" db:"critical_days"`
}

type Framework struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Description     string          `json:"description" db:"description"`
	Version         string          `json:"version" db:"version"`
	ReviewFrequency ReviewFrequency `json:"reviewFrequency" db:"review_frequency"`
	AttestationType AttestationType `json:"attestationType" db:"attestation_type"`
	RegulatoryScope StringArray     `json:"regulatoryScope" db:"regulatory_scope"`
	Thresholds      `json:"thresholds"`
	IsDefault       bool            `json:"isDefault" db:"is_default"`
	IsActive        bool            `json:"isActive" db:"is_active"`
	CheckCategories []CheckCategory `json:"checkCategories,omitempty" db:"-"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// Category returns the first enabled check category of the given type.
func (f *Framework) Category(t CheckType) (*CheckCategory, bool) {
	for i := range f.CheckCategories {
		if f.CheckCategories[i].CheckType == t && f.CheckCategories[i].IsEnabled {
			return &f.CheckCategories[i], true
		}
	}
	return nil, false
}

type CheckCategory struct {
	ID              uuid.UUID `json:"id" db:"id"`
	FrameworkID     uuid.UUID `json:"frameworkId" db:"framework_id"`
	Name            string    `json:"name" db:"name"`
	CheckType       CheckType `json:"checkType" db:"check_type"`
	DefaultSeverity Severity  `json:"defaultSeverity" db:"default_severity"`
	SeverityRules   JSONB     `json:"severityRules,omitempty" db:"severity_rules"`
	IsEnabled       bool      `json:"isEnabled" db:"is_enabled"`
	SortOrder       int       `json:"sortOrder" db:"sort_order"`
}

type Employee struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	EmployeeID       string           `json:"employeeId" db:"employee_id"`
	Email            string           `json:"email" db:"email"`
	FirstName        string           `json:"firstName" db:"first_name"`
	LastName         string           `json:"lastName" db:"last_name"`
	Department       string           `json:"department" db:"department"`
	JobTitle         string           `json:"jobTitle" db:"job_title"`
	Manager          string           `json:"manager" db:"manager"`
	HireDate         *time.Time       `json:"hireDate,omitempty" db:"hire_date"`
	EmploymentStatus EmploymentStatus `json:"employmentStatus" db:"employment_status"`
	TerminationDate  *time.Time       `json:"terminationDate,omitempty" db:"termination_date"`
	CreatedAt        time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time        `json:"updatedAt" db:"updated_at"`
}

func (e *Employee) FullName() string {
	switch {
	case e.FirstName == "":
		return e.LastName
	case e.LastName == "":
		return e.FirstName
	}
	return e.FirstName + " " + e.LastName
}

// FindingCounts is the denormalized per-cycle severity summary.
type FindingCounts struct {
	Total    int `json:"totalFindings" db:"total_findings"`
	Critical int `json:"criticalFindings" db:"critical_findings"`
	High     int `json:"highFindings" db:"high_findings"`
	Medium   int `json:"mediumFindings" db:"medium_findings"`
	Low      int `json:"lowFindings" db:"low_findings"`
}

type ReviewCycle struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	Name          string       `json:"name" db:"name"`
	ApplicationID uuid.UUID    `json:"applicationId" db:"application_id"`
	FrameworkID   uuid.UUID    `json:"frameworkId" db:"framework_id"`
	Year          int          `json:"year" db:"year"`
	Quarter       *int         `json:"quarter,omitempty" db:"quarter"`
	Status        ReviewStatus `json:"status" db:"status"`
	DueDate       *time.Time   `json:"dueDate,omitempty" db:"due_date"`
	SnapshotDate  *time.Time   `json:"snapshotDate,omitempty" db:"snapshot_date"`
	StartedAt     *time.Time   `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty" db:"completed_at"`
	ArchivedAt    *time.Time   `json:"archivedAt,omitempty" db:"archived_at"`
	FindingCounts
	AttestedBy         *string    `json:"attestedBy,omitempty" db:"attested_by"`
	AttestedAt         *time.Time `json:"attestedAt,omitempty" db:"attested_at"`
	AttestationComment *string    `json:"attestationComment,omitempty" db:"attestation_comment"`
	SecondAttestedBy   *string    `json:"secondAttestedBy,omitempty" db:"second_attested_by"`
	SecondAttestedAt   *time.Time `json:"secondAttestedAt,omitempty" db:"second_attested_at"`
	CreatedBy          string     `json:"createdBy" db:"created_by"`
	CreatedAt          time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time  `json:"updatedAt" db:"updated_at"`
}

type UserAccessRecord struct {
	ID                  uuid.UUID          `json:"id" db:"id"`
	ReviewCycleID       uuid.UUID          `json:"reviewCycleId" db:"review_cycle_id"`
	Username            string             `json:"username" db:"username"`
	Email               *string            `json:"email,omitempty" db:"email"`
	DisplayName         *string            `json:"displayName,omitempty" db:"display_name"`
	Roles               StringArray        `json:"roles" db:"roles"`
	MatchedRoleIDs      StringArray        `json:"matchedRoleIds" db:"matched_role_ids"`
	LastLoginAt         *time.Time         `json:"lastLoginAt,omitempty" db:"last_login_at"`
	GrantDate           *time.Time         `json:"grantDate,omitempty" db:"grant_date"`
	EmployeeID          *uuid.UUID         `json:"employeeId,omitempty" db:"employee_id"`
	IsMatched           bool               `json:"isMatched" db:"is_matched"`
	HasPrivilegedAccess bool               `json:"hasPrivilegedAccess" db:"has_privileged_access"`
	HasSodConflict      bool               `json:"hasSodConflict" db:"has_sod_conflict"`
	SodConflictIDs      StringArray        `json:"sodConflictIds" db:"sod_conflict_ids"`
	IsDormant           bool               `json:"isDormant" db:"is_dormant"`
	ReviewStatus        AccessReviewStatus `json:"reviewStatus" db:"review_status"`
	RawData             JSONB              `json:"rawData,omitempty" db:"raw_data"`
	CreatedAt           time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time          `json:"updatedAt" db:"updated_at"`
}

type Finding struct {
	ID                    uuid.UUID     `json:"id" db:"id"`
	ReviewCycleID         uuid.UUID     `json:"reviewCycleId" db:"review_cycle_id"`
	UserAccessRecordID    *uuid.UUID    `json:"userAccessRecordId,omitempty" db:"user_access_record_id"`
	SodConflictID         *uuid.UUID    `json:"sodConflictId,omitempty" db:"sod_conflict_id"`
	FindingType           FindingType   `json:"findingType" db:"finding_type"`
	Severity              Severity      `json:"severity" db:"severity"`
	Title                 string        `json:"title" db:"title"`
	Description           string        `json:"description" db:"description"`
	Status                FindingStatus `json:"status" db:"status"`
	AIRationale           *string       `json:"aiRationale,omitempty" db:"ai_rationale"`
	AIConfidence          *float64      `json:"aiConfidence,omitempty" db:"ai_confidence"`
	Decision              *Decision     `json:"decision,omitempty" db:"decision"`
	DecisionJustification *string       `json:"decisionJustification,omitempty" db:"decision_justification"`
	DecidedBy             *string       `json:"decidedBy,omitempty" db:"decided_by"`
	DecidedAt             *time.Time    `json:"decidedAt,omitempty" db:"decided_at"`
	CompensatingControls  *string       `json:"compensatingControls,omitempty" db:"compensating_controls"`
	ExceptionExpiryDate   *time.Time    `json:"exceptionExpiryDate,omitempty" db:"exception_expiry_date"`
	ExceptionApprovedBy   *string       `json:"exceptionApprovedBy,omitempty" db:"exception_approved_by"`
	ExceptionApprovedAt   *time.Time    `json:"exceptionApprovedAt,omitempty" db:"exception_approved_at"`
	RemediationDueDate    *time.Time    `json:"remediationDueDate,omitempty" db:"remediation_due_date"`
	RemediationTicketID   *string       `json:"remediationTicketId,omitempty" db:"remediation_ticket_id"`
	CreatedAt             time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time     `json:"updatedAt" db:"updated_at"`
}

type Report struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	ReviewCycleID  *uuid.UUID   `json:"reviewCycleId,omitempty" db:"review_cycle_id"`
	ReportType     ReportType   `json:"reportType" db:"report_type"`
	Format         ReportFormat `json:"format" db:"format"`
	Status         ReportStatus `json:"status" db:"status"`
	FileName       string       `json:"fileName" db:"file_name"`
	FilePath       string       `json:"filePath" db:"file_path"`
	FileSize       int64        `json:"fileSize" db:"file_size"`
	StorageBackend string       `json:"storageBackend" db:"storage_backend"`
	Error          string       `json:"error,omitempty" db:"error"`
	GeneratedBy    string       `json:"generatedBy" db:"generated_by"`
	GeneratedAt    *time.Time   `json:"generatedAt,omitempty" db:"generated_at"`
	CreatedAt      time.Time    `json:"createdAt" db:"created_at"`
}

// ImportRecord is one row of a user-access snapshot, as uploaded or
// collected from a cloud identity provider.
type ImportRecord struct {
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	LastLoginAt string   `json:"lastLoginAt,omitempty"`
	GrantDate   string   `json:"grantDate,omitempty"`
	Raw         JSONB    `json:"raw,omitempty"`
}

// Filters

type ReviewCycleFilter struct {
	ApplicationID *uuid.UUID
	Status        *ReviewStatus
	Limit         int
	Offset        int
}

type AccessRecordFilter struct {
	ReviewCycleID uuid.UUID
	ReviewStatus  *AccessReviewStatus
	OnlyUnmatched bool
	OnlyFlagged   bool
	Limit         int
	Offset        int
}

type FindingFilter struct {
	ReviewCycleID *uuid.UUID
	Severity      *Severity
	Status        *FindingStatus
	FindingType   *FindingType
	Limit         int
	Offset        int
}
