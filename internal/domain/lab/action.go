package lab

// Action is one entry of the closed audit vocabulary written by the
// workflow. Unknown values read from the log are carried through unchanged.
type Action string

const (
	ActionWorkOrderCreated   Action = "WORK_ORDER_CREATED"
	ActionWorkOrderUpdated   Action = "WORK_ORDER_UPDATED"
	ActionWorkOrderCancelled Action = "WORK_ORDER_CANCELLED"
	ActionWorkOrderCompleted Action = "WORK_ORDER_COMPLETED"

	ActionSpecimenCreated      Action = "SAMPLE_CREATED"
	ActionSpecimenCollected    Action = "SAMPLE_COLLECTED"
	ActionSpecimenReceived     Action = "SAMPLE_RECEIVED"
	ActionSpecimenRejected     Action = "SAMPLE_REJECTED"
	ActionSpecimenLabelPrinted Action = "SAMPLE_LABEL_PRINTED"

	ActionExamCreated          Action = "EXAM_CREATED"
	ActionExamStarted          Action = "EXAM_STARTED"
	ActionExamResultsSaved     Action = "EXAM_RESULTS_SAVED"
	ActionExamCompleted        Action = "EXAM_COMPLETED"
	ActionExamSentToValidation Action = "EXAM_SENT_TO_VALIDATION"
	ActionExamApproved         Action = "EXAM_APPROVED"
	ActionExamRejected         Action = "EXAM_REJECTED"
	ActionExamReopened         Action = "EXAM_REOPENED"
	ActionExamStatusChanged    Action = "EXAM_STATUS_CHANGED"

	ActionIncidenceReported Action = "INCIDENCE_REPORTED"
	ActionReportDelivered   Action = "REPORT_DELIVERED"
)

// IsIncident reports whether a marks an incident.
func (a Action) IsIncident() bool { return a == ActionIncidenceReported }

// IsRejection reports whether a rejects an exam or a specimen.
func (a Action) IsRejection() bool {
	return a == ActionExamRejected || a == ActionSpecimenRejected
}

// IsValidationOutcome reports whether a is an exam validation decision.
func (a Action) IsValidationOutcome() bool {
	return a == ActionExamApproved || a == ActionExamRejected
}
