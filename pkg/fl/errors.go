package fl

import "errors"

var (
	// ErrConfig marks a missing or unusable optional setting. The feature
	// it guards is disabled and the process continues.
	ErrConfig = errors.New("fl: configuration")
	// ErrDegenerateLabels is returned by participants whose local training
	// labels hold fewer than two classes.
	ErrDegenerateLabels = errors.New("fl: degenerate label set")
	// ErrAggregation fails a single round. Global state is left untouched.
	ErrAggregation = errors.New("fl: aggregation")
	// ErrStorage is a checkpoint or journal write failure.
	ErrStorage = errors.New("fl: storage")
	// ErrMirrorSync is a failed remote mirror push. It is logged, never fatal.
	ErrMirrorSync = errors.New("fl: mirror sync")
	// ErrRoundRegression rejects a ledger entry older than the last appended one.
	ErrRoundRegression = errors.New("fl: round regression")
)

func IsAggregation(err error) bool { return errors.Is(err, ErrAggregation) }
func IsStorage(err error) bool     { return errors.Is(err, ErrStorage) }
