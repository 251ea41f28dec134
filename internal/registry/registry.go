// Package registry registers the diagnosis workflow and its activities on a
// Temporal worker.
package registry

import (
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/activities"
	"github.com/raredx/orchestrator/internal/constants"
	"github.com/raredx/orchestrator/internal/workflows"
)

// OrchestratorRegistry registers everything a diagnosis worker executes.
type OrchestratorRegistry struct {
	config *RegistryConfig
	acts   *activities.Activities
	logger *zap.Logger
}

func NewOrchestratorRegistry(config *RegistryConfig, acts *activities.Activities, logger *zap.Logger) *OrchestratorRegistry {
	if config == nil {
		config = &RegistryConfig{EnableActivities: true}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrchestratorRegistry{config: config, acts: acts, logger: logger}
}

// RegisterWorkflows registers the diagnosis workflow under its stable name.
func (r *OrchestratorRegistry) RegisterWorkflows(w Registrar) error {
	w.RegisterWorkflowWithOptions(workflows.DiagnosisWorkflow, workflow.RegisterOptions{
		Name: workflows.DiagnosisWorkflowName,
	})
	r.logger.Info("Registered workflows", zap.String("workflow", workflows.DiagnosisWorkflowName))
	return nil
}

// RegisterActivities registers the round step activities. Method names are
// the activity names the workflow schedules.
func (r *OrchestratorRegistry) RegisterActivities(w Registrar) error {
	if !r.config.EnableActivities {
		r.logger.Info("Activity registration disabled")
		return nil
	}
	if r.acts == nil {
		return errors.New("activities are not configured")
	}
	w.RegisterActivityWithOptions(r.acts, activity.RegisterOptions{})
	r.logger.Info("Registered activities",
		zap.Strings("activities", []string{
			constants.StartRunActivity,
			constants.GatherEvidenceActivity,
			constants.SynthesizeReportActivity,
			constants.ReflectActivity,
			constants.RejectRoundActivity,
			constants.FinishRunActivity,
		}))
	return nil
}
