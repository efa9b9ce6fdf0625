package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow observability spans and metrics.
var (
	AttrWorkflowID      = attribute.Key("workflow.id")
	AttrWorkflowVersion = attribute.Key("workflow.version")
	AttrRunStatus       = attribute.Key("workflow.status")

	AttrStepKey    = attribute.Key("workflow.step.key")
	AttrStepName   = attribute.Key("workflow.step.name")
	AttrStepStatus = attribute.Key("workflow.step.status")
	AttrStepCached = attribute.Key("workflow.step.cached")
	AttrAttempt    = attribute.Key("workflow.step.attempt")

	AttrPersistOp = attribute.Key("workflow.persist.op")
)
