// Package fl holds the value types shared by the coordinator, the checkpoint
// store, the provenance ledger and the participant boundary: rounds,
// participant identifiers, parameter tensors, per-round updates and the
// aggregated result that becomes the next global state.
//
// Nothing in this package keeps state. Updates are consumed once per round
// and the aggregated result is owned by whoever produced it.
package fl
