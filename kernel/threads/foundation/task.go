package foundation

import (
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// TaskSpec is a unit of work. It is created once by the caller and
// consumed exactly once by the scheduler.
type TaskSpec struct {
	ID      string         `json:"id" yaml:"id"`
	Lane    Lane           `json:"lane" yaml:"lane"`
	Name    string         `json:"name" yaml:"name"`
	Module  string         `json:"module" yaml:"module"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`

	EstCostMs float64 `json:"est_cost_ms" yaml:"est_cost_ms"`
	MemKB     int     `json:"mem_kb" yaml:"mem_kb"`
	IOOps     int     `json:"io_ops" yaml:"io_ops"`

	NeedsConsent bool   `json:"needs_consent" yaml:"needs_consent"`
	Surface      string `json:"surface,omitempty" yaml:"surface,omitempty"`
	Token        string `json:"token,omitempty" yaml:"token,omitempty"`
	AuditTag     string `json:"audit_tag,omitempty" yaml:"audit_tag,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// NewTask stamps a fresh id and creation time
func NewTask(lane Lane, name, module string, payload map[string]any) *TaskSpec {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &TaskSpec{
		ID:        utils.GenerateID(),
		Lane:      lane,
		Name:      name,
		Module:    module,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Op returns the payload "op" field, falling back to the task name
func (t *TaskSpec) Op() string {
	if op, ok := t.Payload["op"].(string); ok && op != "" {
		return op
	}
	return t.Name
}

// TaskResult is produced exactly once per dispatched task
type TaskResult struct {
	ID      string        `json:"id" yaml:"id"`
	Module  string        `json:"module" yaml:"module"`
	Lane    Lane          `json:"lane" yaml:"lane"`
	Success bool          `json:"success" yaml:"success"`
	Output  any           `json:"output,omitempty" yaml:"output,omitempty"`
	Error   string        `json:"error,omitempty" yaml:"error,omitempty"`
	Kind    ErrorKind     `json:"kind" yaml:"kind"`
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Succeeded builds a success result for task
func Succeeded(task *TaskSpec, output any, elapsed time.Duration) *TaskResult {
	return &TaskResult{
		ID:      task.ID,
		Module:  task.Module,
		Lane:    task.Lane,
		Success: true,
		Output:  output,
		Kind:    KindNone,
		Elapsed: elapsed,
	}
}

// Failed builds a failure result for task, classifying err
func Failed(task *TaskSpec, err error, elapsed time.Duration) *TaskResult {
	res := &TaskResult{
		ID:      task.ID,
		Module:  task.Module,
		Lane:    task.Lane,
		Kind:    KindOf(err),
		Elapsed: elapsed,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Route is a suggested lane/module pairing for an intent
type Route struct {
	Lane   Lane   `json:"lane" yaml:"lane"`
	Module string `json:"module" yaml:"module"`
	Op     string `json:"op" yaml:"op"`
}
