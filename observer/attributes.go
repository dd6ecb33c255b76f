package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for check observability spans and metrics.
var (
	AttrCheckID  = attribute.Key("check.id")
	AttrProvider = attribute.Key("check.provider")
	AttrScope    = attribute.Key("check.scope")
	AttrEvent    = attribute.Key("check.event")
	AttrStatus   = attribute.Key("check.status")

	AttrSessionID = attribute.Key("run.session_id")

	AttrIssueCount = attribute.Key("check.issue_count")
	AttrSeverity   = attribute.Key("issue.severity")
)
