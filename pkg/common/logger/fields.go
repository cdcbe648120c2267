package logger

// Field keys shared by the pipeline stages.
const (
	ModelNameKey  = "model.name"
	OperationKey  = "ml.operation"
	ComponentKey  = "ml.component"
	SamplesKey    = "data.samples"
	FeaturesKey   = "data.features"
	ClassesKey    = "data.classes"
	RunIDKey      = "run_id"
	EpochKey      = "epoch"
	StepKey       = "step"
	LossKey       = "loss"
	RecordKey     = "record"
	DatabaseKey   = "database"
	ProbeKey      = "probe"
	DurationMsKey = "duration_ms"
)
