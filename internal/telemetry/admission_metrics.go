package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// AdmissionMetrics holds the metric instruments for transaction admission.
type AdmissionMetrics struct {
	AssignAttemptsCounter metric.Int64Counter
	AssignRetriesCounter  metric.Int64Counter
	AssignFailuresCounter metric.Int64Counter
	WaitLatencyHistogram  metric.Int64Histogram
	ReservedBytesCounter  metric.Int64Counter
	ActiveTxUpDownCounter metric.Int64UpDownCounter
	CallbacksFiredCounter metric.Int64Counter
	EstimateErrorsCounter metric.Int64Counter
}

// NewAdmissionMetrics creates and registers the admission metrics on meter.
func NewAdmissionMetrics(meter metric.Meter) (*AdmissionMetrics, error) {
	assignAttempts, err := meter.Int64Counter(
		"dmutx.assign.attempts_total",
		metric.WithDescription("Total number of admission attempts."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	assignRetries, err := meter.Int64Counter(
		"dmutx.assign.retries_total",
		metric.WithDescription("Admission attempts that ended in a retry condition, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	assignFailures, err := meter.Int64Counter(
		"dmutx.assign.failures_total",
		metric.WithDescription("Assign calls that returned an error to the caller."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitLatency, err := meter.Int64Histogram(
		"dmutx.assign.wait_duration",
		metric.WithDescription("Time spent blocked between admission attempts."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	reservedBytes, err := meter.Int64Counter(
		"dmutx.reservation.bytes_total",
		metric.WithDescription("Worst-case allocation reserved by admitted transactions."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	activeTx, err := meter.Int64UpDownCounter(
		"dmutx.tx.active",
		metric.WithDescription("Transactions bound to a generation and not yet committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	callbacksFired, err := meter.Int64Counter(
		"dmutx.callbacks.fired_total",
		metric.WithDescription("Commit callbacks invoked, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	estimateErrors, err := meter.Int64Counter(
		"dmutx.estimate.errors_total",
		metric.WithDescription("Hold estimates that recorded a sticky error."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &AdmissionMetrics{
		AssignAttemptsCounter: assignAttempts,
		AssignRetriesCounter:  assignRetries,
		AssignFailuresCounter: assignFailures,
		WaitLatencyHistogram:  waitLatency,
		ReservedBytesCounter:  reservedBytes,
		ActiveTxUpDownCounter: activeTx,
		CallbacksFiredCounter: callbacksFired,
		EstimateErrorsCounter: estimateErrors,
	}, nil
}
