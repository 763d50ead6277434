package linkage

import "github.com/zoobzio/capitan"

// Signal definitions for linking events.
// Signals follow the pattern: linkage.<entity>.<event>.
var (
	// Request lifecycle signals.
	RequestSubmitted = capitan.NewSignal(
		"linkage.request.submitted",
		"Linking request accepted and stored as pending",
	)
	RequestStarted = capitan.NewSignal(
		"linkage.request.started",
		"Supervisor began processing a request",
	)
	RequestCompleted = capitan.NewSignal(
		"linkage.request.completed",
		"Request reached the completed state",
	)
	RequestFailed = capitan.NewSignal(
		"linkage.request.failed",
		"Request reached the failed state",
	)
	RequestCancelled = capitan.NewSignal(
		"linkage.request.cancelled",
		"Caller marked a request as cancelled",
	)

	// Stage execution signals.
	StageStarted = capitan.NewSignal(
		"linkage.stage.started",
		"Pipeline stage began execution",
	)
	StageCompleted = capitan.NewSignal(
		"linkage.stage.completed",
		"Pipeline stage finished",
	)
	StageFailed = capitan.NewSignal(
		"linkage.stage.failed",
		"Pipeline stage degraded or failed",
	)

	// Gateway signals.
	GatewayQueried = capitan.NewSignal(
		"linkage.gateway.queried",
		"Knowledge base returned candidates for a mention",
	)
	GatewayFailed = capitan.NewSignal(
		"linkage.gateway.failed",
		"Knowledge base query failed; falling back to the next gateway",
	)
	CacheHit = capitan.NewSignal(
		"linkage.cache.hit",
		"Gateway answer served from the result cache",
	)

	// Quality gate signals.
	QualityRetry = capitan.NewSignal(
		"linkage.quality.retry",
		"Quality gate failed; request re-enters planning",
	)
	QualityWarning = capitan.NewSignal(
		"linkage.quality.warning",
		"Quality gate failed with no retries left; best-effort result kept",
	)

	// Recorder signals.
	EventDropped = capitan.NewSignal(
		"linkage.event.dropped",
		"Agent event not persisted because the sink buffer was full",
	)
)

// Field keys for linking event data.
var (
	FieldRequestID      = capitan.NewStringKey("request_id")
	FieldStage          = capitan.NewStringKey("stage")
	FieldState          = capitan.NewStringKey("state")
	FieldAttempt        = capitan.NewIntKey("attempt")
	FieldColumnType     = capitan.NewStringKey("column_type")
	FieldMentionCount   = capitan.NewIntKey("mention_count")
	FieldGateway        = capitan.NewStringKey("gateway")
	FieldMention        = capitan.NewStringKey("mention")
	FieldCandidateCount = capitan.NewIntKey("candidate_count")
	FieldConfidence     = capitan.NewFloat32Key("confidence") // average over mentions
	FieldReason         = capitan.NewStringKey("reason")
	FieldDuration       = capitan.NewDurationKey("duration")
	FieldError          = capitan.NewErrorKey("error")
)
