// Package task defines the tagged messages exchanged on the learner's
// inbound task queue and its outbound policy-worker/report queues.
package task

// Type tags a message on the coordinator's inbound task queue.
type Type int

const (
	// Init signals that the training worker should finish initializing
	// before the coordinator proceeds.
	Init Type = iota
	// InitTensors announces a freshly registered trajectory slot batch.
	InitTensors
	// Train announces that one or more rollouts are ready to be leased.
	Train
	// PBT carries a population-based-training instruction.
	PBT
	// Terminate requests a graceful shutdown.
	Terminate
	// Empty is a no-op sentinel; the coordinator ignores it and detects an
	// idle queue with a non-blocking receive instead.
	Empty
)

func (t Type) String() string {
	switch t {
	case Init:
		return "INIT"
	case InitTensors:
		return "INIT_TENSORS"
	case Train:
		return "TRAIN"
	case PBT:
		return "PBT"
	case Terminate:
		return "TERMINATE"
	case Empty:
		return "EMPTY"
	default:
		return "UNKNOWN"
	}
}

// EnvAgent identifies one agent slot within one environment replica.
type EnvAgent struct {
	EnvIdx   int
	AgentIdx int
}

// InitTensorsPayload is the payload of an InitTensors message: a batch of
// shared trajectory slots becoming known to the learner, plus the shared
// readiness bitmap for the (worker, split) pair they belong to.
type InitTensorsPayload struct {
	WorkerIdx     int
	SplitIdx      int
	TrajBufferIdx int
	// Tensors maps each (env,agent) pair in this split to its tensor
	// handle — the per-timestep field mapping described in spec.md §3.
	Tensors map[EnvAgent]interface{}
	// IsReadyTensor is the shared readiness bitmap for (WorkerIdx,
	// SplitIdx); the learner flips entries to 1 (free) as it releases
	// slots, and the rollout worker flips them to 0 as it reclaims them.
	IsReadyTensor []int32
}

// RolloutRef names one completed rollout awaiting admission.
type RolloutRef struct {
	EnvIdx    int
	AgentIdx  int
	Length    int
	EnvSteps  int
}

// TrainPayload is the payload of a Train message.
type TrainPayload struct {
	WorkerIdx     int
	SplitIdx      int
	TrajBufferIdx int
	Rollouts      []RolloutRef
}

// PBTKind tags which PBT instruction a PBT message carries.
type PBTKind int

const (
	SaveModel PBTKind = iota
	LoadModel
	UpdateCfg
)

// PBTPayload is the payload of a PBT message.
type PBTPayload struct {
	Kind PBTKind

	// SAVE_MODEL / LOAD_MODEL / UPDATE_CFG all name the policy they
	// target; the learner asserts it matches its own policy id.
	PolicyID int

	// LOAD_MODEL only: source policy to copy parameters from.
	SourcePolicyID int

	// UPDATE_CFG only: mutation map of recognized config keys.
	NewConfig map[string]interface{}
}

// Message is one entry on the coordinator's inbound task queue.
type Message struct {
	Type    Type
	Tensors *InitTensorsPayload
	Train   *TrainPayload
	PBT     *PBTPayload
}

// WeightUpdate is the UPDATE_WEIGHTS message shape for policy-worker
// queues. The learner's broadcaster (internal/broadcast) publishes
// broadcast.Snapshot values carrying the same three fields after each
// training step; nothing is published at startup.
type WeightUpdate struct {
	PolicyVersion   int64
	ParameterHandle interface{}
	DiscardingRate  float64
}

// Report is one entry on the outbound report queue.
type Report struct {
	EnvSteps int64
	PolicyID int
	Train    map[string]interface{} `json:",omitempty"`
	Stats    map[string]interface{} `json:",omitempty"`
}
