package units

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

const vaultCompressionLevel = 5

// Vault is the versioned long-term store. It records proposed updates but
// never applies them; committed values only come from the seed.
type Vault struct {
	*supervisor.BaseModule
	state vaultState
	clock func() time.Time
}

type proposal struct {
	Version    int
	TaskID     string
	Encoded    []byte
	RawBytes   int
	ProposedAt time.Time
}

type vaultState struct {
	Committed map[string]any
	Proposals map[string][]proposal
}

func (s *vaultState) Clone() supervisor.StateSnapshot {
	c := &vaultState{
		Committed: make(map[string]any, len(s.Committed)),
		Proposals: make(map[string][]proposal, len(s.Proposals)),
	}
	for k, v := range s.Committed {
		c.Committed[k] = v
	}
	for k, list := range s.Proposals {
		cp := make([]proposal, len(list))
		for i, p := range list {
			p.Encoded = append([]byte(nil), p.Encoded...)
			cp[i] = p
		}
		c.Proposals[k] = cp
	}
	return c
}

// Proposal is a decoded proposed update
type Proposal struct {
	Key        string    `json:"key" yaml:"key"`
	Version    int       `json:"version" yaml:"version"`
	TaskID     string    `json:"task_id" yaml:"task_id"`
	Value      any       `json:"value" yaml:"value"`
	ProposedAt time.Time `json:"proposed_at" yaml:"proposed_at"`
}

// NewVault creates the store with committed seed values
func NewVault(seed map[string]any, logger *utils.Logger) *Vault {
	v := &Vault{
		BaseModule: supervisor.NewBaseModule(NameVault, foundation.RoleStorage, logger),
		state: vaultState{
			Committed: make(map[string]any, len(seed)),
			Proposals: make(map[string][]proposal),
		},
		clock: time.Now,
	}
	for k, val := range seed {
		v.state.Committed[k] = val
	}
	return v
}

// Handle serves propose, history and get
func (v *Vault) Handle(task *foundation.TaskSpec, _ *supervisor.ChipContext) (any, error) {
	return v.Run(task, func() (any, error) {
		key, err := stringField(task.Payload, "key")
		if err != nil {
			return nil, utils.WrapErrorf(err, "vault: %s", task.Op())
		}

		switch task.Op() {
		case "propose":
			return v.propose(task, key)
		case "history":
			return v.history(key)
		case "get":
			val, ok := v.state.Committed[key]
			if !ok {
				return nil, fmt.Errorf("vault: no committed value for %q", key)
			}
			return map[string]any{"key": key, "value": val}, nil
		default:
			return nil, fmt.Errorf("vault: unknown op %q", task.Op())
		}
	})
}

func (v *Vault) propose(task *foundation.TaskSpec, key string) (any, error) {
	value, ok := task.Payload["value"]
	if !ok {
		return nil, fmt.Errorf("vault: propose %q: payload field \"value\" missing", key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, utils.WrapErrorf(err, "vault: propose %q: encode", key)
	}
	encoded, err := compress(raw)
	if err != nil {
		return nil, utils.WrapErrorf(err, "vault: propose %q: compress", key)
	}

	version := len(v.state.Proposals[key]) + 1
	v.state.Proposals[key] = append(v.state.Proposals[key], proposal{
		Version:    version,
		TaskID:     task.ID,
		Encoded:    encoded,
		RawBytes:   len(raw),
		ProposedAt: v.clock(),
	})

	return map[string]any{"key": key, "version": version, "applied": false}, nil
}

func (v *Vault) history(key string) ([]Proposal, error) {
	list := v.state.Proposals[key]
	out := make([]Proposal, 0, len(list))
	for _, p := range list {
		raw, err := decompress(p.Encoded)
		if err != nil {
			return nil, utils.WrapErrorf(err, "vault: history %q v%d", key, p.Version)
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, utils.WrapErrorf(err, "vault: history %q v%d", key, p.Version)
		}
		out = append(out, Proposal{Key: key, Version: p.Version, TaskID: p.TaskID, Value: value, ProposedAt: p.ProposedAt})
	}
	return out, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, vaultCompressionLevel)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(encoded []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(encoded)))
}

// Health adds store counters to the base report
func (v *Vault) Health() *foundation.HealthStatus {
	h := v.BaseModule.Health()
	pending, stored, raw := 0, 0, 0
	for _, list := range v.state.Proposals {
		pending += len(list)
		for _, p := range list {
			stored += len(p.Encoded)
			raw += p.RawBytes
		}
	}
	h.Summary = fmt.Sprintf("%d committed, %d proposals (%dB stored, %dB raw)", len(v.state.Committed), pending, stored, raw)
	return h
}

// Snapshot captures committed values and the proposal log
func (v *Vault) Snapshot() supervisor.StateSnapshot {
	return v.state.Clone()
}

// Restore replaces committed values and the proposal log
func (v *Vault) Restore(s supervisor.StateSnapshot) error {
	st, ok := s.(*vaultState)
	if !ok {
		return fmt.Errorf("vault: %w (%T)", supervisor.ErrSnapshotType, s)
	}
	v.state = *st.Clone().(*vaultState)
	return nil
}
