package temporal

import (
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Register adds the capture workflows and activities to a worker.
func Register(w worker.Registry, cloneActs *CloneActivities, previewActs *PreviewActivities) {
	w.RegisterWorkflowWithOptions(CloneRunWorkflowFunc, workflow.RegisterOptions{Name: CloneRunWorkflow})
	w.RegisterWorkflowWithOptions(PreviewTickWorkflowFunc, workflow.RegisterOptions{Name: PreviewTickWorkflow})
	if cloneActs != nil {
		w.RegisterActivity(cloneActs)
	}
	if previewActs != nil {
		w.RegisterActivity(previewActs)
	}
}
