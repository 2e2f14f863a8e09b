package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cruxml/go-yolo/nn"
)

// EmergencyFilename is the fixed name of the interrupt checkpoint, written
// into the checkpoint directory and never rotated.
const EmergencyFilename = "INTERRUPTED.json"

// Checkpoint represents a complete model state including weights and
// training progress.
type Checkpoint struct {
	// RunID ties the checkpoint to one training run.
	RunID string `json:"run_id"`

	// Model weights
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Group string    `json:"group"` // "backbone" or "head"
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	GlobalStep   int     `json:"global_step"`
	SchedSteps   int     `json:"sched_steps"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Snapshot copies the parameter state of a model into a checkpoint. The
// model is unwrapped from any data-parallel wrapper and put into evaluation
// mode for the copy, so the checkpoint is inference-shaped; the previous
// mode is restored afterwards.
func Snapshot(model nn.Model, state TrainingState, runID string) *Checkpoint {
	m := nn.Underlying(model)
	wasTraining := m.IsTraining()
	m.Eval()
	defer func() {
		if wasTraining {
			m.Train()
		}
	}()

	params := m.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Group: string(p.Group),
			Shape: shape,
			Data:  data,
		})
	}

	return &Checkpoint{
		RunID:         runID,
		Weights:       weights,
		TrainingState: state,
	}
}

// Apply loads every checkpoint weight into the matching model parameter.
// All model parameters must be covered with matching shapes.
func (c *Checkpoint) Apply(model nn.Model) error {
	return c.apply(model, "")
}

// ApplyGroup loads only the weights carrying the given group tag, the path
// pretrained backbone files take. Parameters outside the group are left at
// their initialized values.
func (c *Checkpoint) ApplyGroup(model nn.Model, group nn.ParamGroup) error {
	return c.apply(model, group)
}

func (c *Checkpoint) apply(model nn.Model, group nn.ParamGroup) error {
	byName := make(map[string]*WeightTensor, len(c.Weights))
	for i := range c.Weights {
		byName[c.Weights[i].Name] = &c.Weights[i]
	}

	for _, p := range nn.Underlying(model).Parameters() {
		if group != "" && p.Group != group {
			continue
		}
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weights for parameter %s", p.Name)
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("shape mismatch for parameter %s: checkpoint %v, model %v", p.Name, w.Shape, p.Shape)
		}
		copy(p.Data, w.Data)
	}
	return nil
}

// CheckpointSaver reads and writes checkpoints as indented JSON documents.
type CheckpointSaver struct{}

// NewCheckpointSaver creates a new checkpoint saver
func NewCheckpointSaver() *CheckpointSaver {
	return &CheckpointSaver{}
}

// Save writes a checkpoint to the given path.
func (cs *CheckpointSaver) Save(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-yolo"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// Load reads a checkpoint back from disk.
func (cs *CheckpointSaver) Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}
