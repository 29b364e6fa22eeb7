package pipeline

import "errors"

// Sentinel errors for sequence validation.
var (
	// ErrEmptySequence indicates a pipeline with no stages.
	ErrEmptySequence = errors.New("stage sequence is empty")

	// ErrUnnamedStage indicates a stage definition without a name.
	ErrUnnamedStage = errors.New("stage name is required")

	// ErrDuplicateStage indicates two stages share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrOptionalGate indicates a gate stage was marked optional.
	ErrOptionalGate = errors.New("gate stage cannot be optional")
)

// Sentinel errors for machine execution.
var (
	// ErrNilRun indicates NewMachine was called without a run.
	ErrNilRun = errors.New("run cannot be nil")

	// ErrRunTerminal indicates Run() was called on a machine whose run
	// already reached a terminal status.
	ErrRunTerminal = errors.New("run already terminal")

	// ErrSequenceMismatch indicates a resumed run's persisted stage
	// sequence differs from the stage definitions given to the machine.
	ErrSequenceMismatch = errors.New("run stage sequence does not match stage definitions")

	// ErrNilInvoker indicates the machine was built without a stage
	// invoker.
	ErrNilInvoker = errors.New("stage invoker is required")

	// ErrNilLedger indicates the machine was built without a cost ledger.
	ErrNilLedger = errors.New("cost ledger is required")
)
