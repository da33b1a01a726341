package transaction

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CallbackFunc runs once the transaction's generation is durable (err nil),
// or with ErrCanceled when the transaction is aborted. A failed sync leaves
// the generation unsynced and its callbacks wait for the retry that succeeds.
type CallbackFunc func(data any, err error)

type callback struct {
	fn   CallbackFunc
	data any
}

// RegisterCallback queues fn to run after commit. Callbacks run in the order
// they were registered.
func (tx *Tx) RegisterCallback(fn CallbackFunc, data any) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.callbacks = append(tx.callbacks, callback{fn: fn, data: data})
	return nil
}

// callbackFuncs binds each registered callback to its data for the generation
// scheduler.
func (tx *Tx) callbackFuncs() []func(error) {
	if len(tx.callbacks) == 0 {
		return nil
	}
	fns := make([]func(error), 0, len(tx.callbacks))
	for _, cb := range tx.callbacks {
		fns = append(fns, func(err error) {
			tx.pc.metrics.CallbacksFiredCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("outcome", callbackOutcome(err)),
			))
			cb.fn(cb.data, err)
		})
	}
	return fns
}

func (tx *Tx) fireCallbacks(err error) {
	for _, fn := range tx.callbackFuncs() {
		fn(err)
	}
}

func callbackOutcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		return "failed"
	}
}
