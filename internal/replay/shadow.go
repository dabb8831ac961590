package replay

// MeterEvent is an externally-constructed billing observation: the
// engine never builds or emits one itself. It exists here only so the
// shadow no-op contract has something concrete to test against.
type MeterEvent struct {
	TenantID      string
	RequestID     string
	RequestDigest string
	Ok            bool
	ErrorCode     string
	IsShadow      bool
}

// BuildMeterEvent constructs the meter-facing observation from a
// completed execution. It never inspects stdout/stderr/trace — only the
// fields that matter for billing.
func BuildMeterEvent(tenantID, requestID, requestDigest string, ok bool, errorCode string, isShadow bool) MeterEvent {
	return MeterEvent{
		TenantID:      tenantID,
		RequestID:     requestID,
		RequestDigest: requestDigest,
		Ok:            ok,
		ErrorCode:     errorCode,
		IsShadow:      isShadow,
	}
}

// EmitMeterEvents applies the shadow no-op contract: shadow events are
// filtered before reaching sink, so a harness asserting "N primary runs
// produce exactly N meter events" can use this as the collaborator's
// emit site without re-deriving the filter itself.
func EmitMeterEvents(events []MeterEvent, sink func(MeterEvent)) {
	for _, ev := range events {
		if ev.IsShadow {
			continue
		}
		sink(ev)
	}
}
