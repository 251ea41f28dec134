package registry

import (
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
)

// Registrar is the registration surface shared by worker.Worker and the
// Temporal test environments.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegistryConfig holds configuration for the registry
type RegistryConfig struct {
	// EnableActivities registers the step activities. A workflow-only worker
	// leaves it off and lets another queue execute them.
	EnableActivities bool
}
