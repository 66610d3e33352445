package commands

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli/config"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/scheduler"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor/units"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// releaseEvery is how many accelerator results are parked before the
// workload asks the accelerator to release them
const releaseEvery = 32

// workload turns a cycle of intents into routed, fully populated tasks
type workload struct {
	chip   *threads.Chip
	cfg    config.WorkloadConfig
	rng    *rand.Rand
	logger *utils.Logger

	seq    uint64
	parked int

	token        string
	tokenExpires time.Time

	submitted uint64
	dropped   uint64
}

func newWorkload(chip *threads.Chip, cfg config.WorkloadConfig, logger *utils.Logger) *workload {
	return &workload{
		chip:   chip,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger,
	}
}

// next routes the next intent and fills in the payload its target needs
func (w *workload) next() *foundation.TaskSpec {
	intent := w.cfg.Intents[w.seq%uint64(len(w.cfg.Intents))]
	w.seq++

	task := w.chip.Route(intent)
	task.AuditTag = "workload." + intent
	key := fmt.Sprintf("k%02d", w.seq%16)

	switch task.Module {
	case units.NameCache:
		task.Payload["key"] = key
		if task.Op() == "put" {
			task.Payload["value"] = w.seq
		}
	case units.NameAccelerator:
		vec := make([]float64, 8)
		for i := range vec {
			vec[i] = w.rng.Float64()
		}
		task.Payload["a"] = vec
		task.Payload["b"] = vec
		task.Payload["factor"] = 2.0
		task.MemKB = 1
		task.EstCostMs = 0.2
	case units.NameVault:
		task.Payload["key"] = key
		task.Payload["value"] = map[string]any{"seq": w.seq, "intent": intent}
	case units.NameIOBus:
		task.Payload["channel"] = w.cfg.Surface
		task.Payload["data"] = fmt.Sprintf("utterance %d", w.seq)
		task.NeedsConsent = true
		task.Surface = w.cfg.Surface
		task.IOOps = 1
		task.Token = w.currentToken()
	case units.NamePower:
		task.Payload["load"] = w.rng.Float64() * 0.8
	}
	return task
}

// currentToken reuses a live token for the io surface, minting a new one
// when it is about to lapse
func (w *workload) currentToken() string {
	if w.cfg.TokenTTL <= 0 {
		return ""
	}
	if w.token != "" && time.Until(w.tokenExpires) > w.cfg.TokenTTL/4 {
		return w.token
	}
	tok, err := w.chip.IssueToken(w.cfg.Surface, w.cfg.TokenTTL)
	if err != nil {
		w.logger.Debug("Token issue refused", utils.Err(err))
		return w.token
	}
	w.token, w.tokenExpires = tok.ID, tok.ExpiresAt
	return w.token
}

// Submit queues the next task. A full queue counts as dropped, not failed.
func (w *workload) Submit() error {
	task := w.next()
	if err := w.chip.Submit(task); err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			w.dropped++
			return nil
		}
		return err
	}
	w.submitted++

	if task.Module == units.NameAccelerator {
		w.parked++
		if w.parked >= releaseEvery {
			w.parked = 0
			release := foundation.NewTask(foundation.LaneBackground, "release", units.NameAccelerator,
				map[string]any{"op": "release"})
			if err := w.chip.Submit(release); err == nil {
				w.submitted++
			}
		}
	}
	return nil
}
