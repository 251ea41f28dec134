package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/activities"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/workflows"
)

type recorder struct {
	workflows  []string
	activities []interface{}
}

func (r *recorder) RegisterWorkflowWithOptions(_ interface{}, o workflow.RegisterOptions) {
	r.workflows = append(r.workflows, o.Name)
}

func (r *recorder) RegisterActivityWithOptions(a interface{}, _ activity.RegisterOptions) {
	r.activities = append(r.activities, a)
}

func TestRegisterWorkflowsAndActivities(t *testing.T) {
	orch := diagnosis.New(diagnosis.DefaultConfig(), diagnosis.Services{}, zaptest.NewLogger(t))
	acts := activities.NewActivities(orch, nil, zaptest.NewLogger(t))
	reg := NewOrchestratorRegistry(nil, acts, zaptest.NewLogger(t))

	rec := &recorder{}
	require.NoError(t, reg.RegisterWorkflows(rec))
	require.NoError(t, reg.RegisterActivities(rec))

	assert.Equal(t, []string{workflows.DiagnosisWorkflowName}, rec.workflows)
	require.Len(t, rec.activities, 1)
	assert.Same(t, acts, rec.activities[0])
}

func TestRegisterActivitiesDisabled(t *testing.T) {
	reg := NewOrchestratorRegistry(&RegistryConfig{EnableActivities: false}, nil, zaptest.NewLogger(t))
	rec := &recorder{}
	require.NoError(t, reg.RegisterActivities(rec))
	assert.Empty(t, rec.activities)
}

func TestRegisterActivitiesMissing(t *testing.T) {
	reg := NewOrchestratorRegistry(nil, nil, zaptest.NewLogger(t))
	assert.Error(t, reg.RegisterActivities(&recorder{}))
}
