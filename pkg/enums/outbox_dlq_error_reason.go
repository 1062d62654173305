package enums

// OutboxDLQErrorReason explains why the publisher stopped retrying an event.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonMaxAttempts: transient publish failures exhausted the retry budget.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// OutboxDLQReasonNonRetryable: the broker or routing rejected the message outright.
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
	// OutboxDLQReasonUnresolvable: the stored envelope could not be decoded or has no route.
	OutboxDLQReasonUnresolvable OutboxDLQErrorReason = "unresolvable"
)

var dlqReasons = set[OutboxDLQErrorReason]{
	OutboxDLQReasonMaxAttempts,
	OutboxDLQReasonNonRetryable,
	OutboxDLQReasonUnresolvable,
}

func (r OutboxDLQErrorReason) IsValid() bool { return dlqReasons.has(r) }

// Retryable reports whether replaying the event unchanged could succeed.
func (r OutboxDLQErrorReason) Retryable() bool {
	return r == OutboxDLQReasonMaxAttempts
}

func ParseOutboxDLQErrorReason(value string) (OutboxDLQErrorReason, error) {
	return dlqReasons.parse("dead letter reason", value)
}
