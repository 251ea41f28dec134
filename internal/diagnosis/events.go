package diagnosis

// EventType names a progress event of a run.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRoundStarted       EventType = "ROUND_STARTED"
	EventEvidenceGathered   EventType = "EVIDENCE_GATHERED"
	EventReportSynthesized  EventType = "REPORT_SYNTHESIZED"
	EventCandidateEvaluated EventType = "CANDIDATE_EVALUATED"
	EventReflectionDone     EventType = "REFLECTION_COMPLETED"
	EventRoundRejected      EventType = "ROUND_REJECTED"
	EventRunCompleted       EventType = "RUN_COMPLETED"
)

// Event is one progress notification.
type Event struct {
	Type    EventType              `json:"type"`
	Round   int                    `json:"round,omitempty"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type nopObserver struct{}

func (nopObserver) Observe(string, Event) {}
