package models

type BatchStatus string

const (
	BatchStatusDraft              BatchStatus = "draft"
	BatchStatusActive             BatchStatus = "active"
	BatchStatusCompleted          BatchStatus = "completed"
	BatchStatusEmissionRequested  BatchStatus = "emission_requested"
	BatchStatusEmissionInProgress BatchStatus = "emission_in_progress"
	BatchStatusIssued             BatchStatus = "issued"
	BatchStatusSent               BatchStatus = "sent"
	BatchStatusCanceled           BatchStatus = "canceled"
)

func (s BatchStatus) String() string { return string(s) }

// batchTransitions is the full transition table. Issued and sent rows only
// walk forward; canceled is reachable from any pre-issuance state.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusDraft:              {BatchStatusActive, BatchStatusCompleted, BatchStatusCanceled},
	BatchStatusActive:             {BatchStatusCompleted, BatchStatusCanceled},
	BatchStatusCompleted:          {BatchStatusEmissionRequested, BatchStatusEmissionInProgress, BatchStatusCanceled},
	BatchStatusEmissionRequested:  {BatchStatusEmissionInProgress, BatchStatusCanceled},
	BatchStatusEmissionInProgress: {BatchStatusIssued},
	BatchStatusIssued:             {BatchStatusSent},
	BatchStatusSent:               {},
	BatchStatusCanceled:           {},
}

// CanTransitionBatch reports whether from -> to is a legal batch transition.
func CanTransitionBatch(from, to BatchStatus) bool {
	if from == to {
		return false
	}
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BatchStatusPermitsIssuance: issuance may start from completed or from an
// explicit emission request.
func BatchStatusPermitsIssuance(s BatchStatus) bool {
	return s == BatchStatusCompleted || s == BatchStatusEmissionRequested
}

type EvaluationStatus string

const (
	EvaluationStatusStarted     EvaluationStatus = "started"
	EvaluationStatusCompleted   EvaluationStatus = "completed"
	EvaluationStatusInactivated EvaluationStatus = "inactivated"
)

func (s EvaluationStatus) String() string { return string(s) }

type ReportStatus string

const (
	ReportStatusDraft  ReportStatus = "draft"
	ReportStatusIssued ReportStatus = "issued"
	ReportStatusSent   ReportStatus = "sent"
)

func (s ReportStatus) String() string { return string(s) }

type ActorRole string

const (
	ActorRoleAdmin          ActorRole = "admin"
	ActorRoleHR             ActorRole = "hr"
	ActorRoleEntityManager  ActorRole = "entity_manager"
	ActorRoleEmitter        ActorRole = "emitter"
	ActorRoleSubject        ActorRole = "subject"
	ActorRoleSystemInternal ActorRole = "system"
)

func (r ActorRole) String() string { return string(r) }

type NotificationKind string

const (
	NotificationKindBatchCompleted    NotificationKind = "batch_completed"
	NotificationKindReportSent        NotificationKind = "report_sent"
	NotificationKindNoEligibleEmitter NotificationKind = "no_eligible_emitter"
	NotificationKindEmergencyIssuance NotificationKind = "emergency_issuance"
	NotificationKindEmissionRequested NotificationKind = "emission_requested"
	NotificationKindIssuanceFailed    NotificationKind = "issuance_failed"
	NotificationKindUploadDigestError NotificationKind = "upload_digest_mismatch"
	NotificationKindBatchAutoCanceled NotificationKind = "batch_auto_canceled"
)

type NotificationPriority string

const (
	NotificationPriorityHigh   NotificationPriority = "high"
	NotificationPriorityNormal NotificationPriority = "normal"
)

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending   OutboxPublishStatus = "PENDING"
	OutboxPublishStatusPublished OutboxPublishStatus = "PUBLISHED"
	OutboxPublishStatusFailed    OutboxPublishStatus = "FAILED"
)

type AuditAction string

const (
	AuditActionCreate            AuditAction = "CREATE"
	AuditActionUpdate            AuditAction = "UPDATE"
	AuditActionDelete            AuditAction = "DELETE"
	AuditActionTransition        AuditAction = "TRANSITION"
	AuditActionIssue             AuditAction = "ISSUE"
	AuditActionConfirmUpload     AuditAction = "CONFIRM_UPLOAD"
	AuditActionOperationalError  AuditAction = "OPERATIONAL_ERROR"
	AuditActionEmergencyIssuance AuditAction = "EMERGENCY_ISSUANCE"
)
