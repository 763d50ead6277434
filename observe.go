package linkage

import (
	"context"
	"log/slog"

	"github.com/zoobzio/capitan"
)

var loggedSignals = []struct {
	signal  capitan.Signal
	message string
}{
	{RequestSubmitted, "request submitted"},
	{RequestStarted, "request started"},
	{RequestCompleted, "request completed"},
	{RequestFailed, "request failed"},
	{RequestCancelled, "request cancelled"},
	{StageStarted, "stage started"},
	{StageCompleted, "stage completed"},
	{StageFailed, "stage failed"},
	{GatewayQueried, "gateway queried"},
	{GatewayFailed, "gateway failed"},
	{CacheHit, "cache hit"},
	{QualityRetry, "quality gate retry"},
	{QualityWarning, "quality gate warning"},
	{EventDropped, "agent event dropped"},
}

// LogSignals hooks every linkage signal into logger. Error-severity events
// are logged at error level, stage starts at debug, the rest at info.
// The returned func unhooks all listeners.
func LogSignals(logger *slog.Logger) (stop func()) {
	listeners := make([]*capitan.Listener, 0, len(loggedSignals))
	for _, ls := range loggedSignals {
		level := slog.LevelInfo
		if ls.signal == StageStarted {
			level = slog.LevelDebug
		}
		listeners = append(listeners, capitan.Hook(ls.signal, func(ctx context.Context, e *capitan.Event) {
			lvl := level
			if e.Severity() == capitan.SeverityError {
				lvl = slog.LevelError
			}
			logger.LogAttrs(ctx, lvl, ls.message, eventAttrs(e)...)
		}))
	}
	return func() {
		for _, l := range listeners {
			l.Close()
		}
	}
}

// eventAttrs extracts the fields present on an event.
func eventAttrs(e *capitan.Event) []slog.Attr {
	var attrs []slog.Attr
	str := func(name string, from func(*capitan.Event) (string, bool)) {
		if v, ok := from(e); ok {
			attrs = append(attrs, slog.String(name, v))
		}
	}
	num := func(name string, from func(*capitan.Event) (int, bool)) {
		if v, ok := from(e); ok {
			attrs = append(attrs, slog.Int(name, v))
		}
	}

	str("request_id", FieldRequestID.From)
	str("stage", FieldStage.From)
	str("state", FieldState.From)
	str("column_type", FieldColumnType.From)
	str("gateway", FieldGateway.From)
	str("mention", FieldMention.From)
	str("reason", FieldReason.From)
	num("attempt", FieldAttempt.From)
	num("mention_count", FieldMentionCount.From)
	num("candidate_count", FieldCandidateCount.From)
	if v, ok := FieldConfidence.From(e); ok {
		attrs = append(attrs, slog.Float64("confidence", float64(v)))
	}
	if v, ok := FieldDuration.From(e); ok {
		attrs = append(attrs, slog.Duration("duration", v))
	}
	if err, ok := FieldError.From(e); ok && err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	return attrs
}
