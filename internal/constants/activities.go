package constants

// Workflow and activity names used for registration and execution.
const (
	DiagnosisWorkflowName = "DiagnosisWorkflow"

	// Run lifecycle
	StartRunActivity    = "StartRun"
	RejectRoundActivity = "RejectRound"
	FinishRunActivity   = "FinishRun"

	// Round steps
	GatherEvidenceActivity   = "GatherEvidence"
	SynthesizeReportActivity = "SynthesizeReport"
	ReflectActivity          = "Reflect"
)
