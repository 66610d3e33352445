package units

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cdipaolo/goml/cluster"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// PowerConfig parameterises the thermal model
type PowerConfig struct {
	AmbientC  float64
	GainC     float64 // steady-state rise at full load
	Alpha     float64 // smoothing per sample, (0,1]
	ThrottleC float64
	CriticalC float64
	Regimes   int
	MaxSample int
}

// DefaultPowerConfig returns a model that settles at 85C under full load
func DefaultPowerConfig() PowerConfig {
	return PowerConfig{
		AmbientC:  25,
		GainC:     60,
		Alpha:     0.5,
		ThrottleC: 70,
		CriticalC: 90,
		Regimes:   3,
		MaxSample: 256,
	}
}

// ErrThermalTrip is returned when a sample pushes the die past critical
var ErrThermalTrip = errors.New("thermal trip")

// PowerGovernor models die temperature as a first-order response to load
// and recommends a budget scale. Thermal regimes are learned with k-means
// over (load, temperature) samples.
type PowerGovernor struct {
	*supervisor.BaseModule
	cfg   PowerConfig
	state powerState
}

type powerState struct {
	TempC   float64
	Load    float64
	Trips   uint64
	Samples [][]float64
}

func (s *powerState) Clone() supervisor.StateSnapshot {
	c := &powerState{TempC: s.TempC, Load: s.Load, Trips: s.Trips, Samples: make([][]float64, len(s.Samples))}
	for i, smp := range s.Samples {
		c.Samples[i] = append([]float64(nil), smp...)
	}
	return c
}

// ThermalProfile is the output of profile
type ThermalProfile struct {
	Regime  int     `json:"regime" yaml:"regime"`
	TempC   float64 `json:"temp_c" yaml:"temp_c"`
	Load    float64 `json:"load" yaml:"load"`
	Samples int     `json:"samples" yaml:"samples"`
}

// NewPowerGovernor creates the governor at ambient temperature
func NewPowerGovernor(cfg PowerConfig, logger *utils.Logger) *PowerGovernor {
	def := DefaultPowerConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.CriticalC <= 0 {
		cfg.CriticalC = def.CriticalC
	}
	if cfg.ThrottleC <= 0 || cfg.ThrottleC >= cfg.CriticalC {
		cfg.ThrottleC = cfg.CriticalC - 20
	}
	if cfg.Regimes <= 0 {
		cfg.Regimes = def.Regimes
	}
	if cfg.MaxSample <= 0 {
		cfg.MaxSample = def.MaxSample
	}
	return &PowerGovernor{
		BaseModule: supervisor.NewBaseModule(NamePower, foundation.RolePower, logger),
		cfg:        cfg,
		state:      powerState{TempC: cfg.AmbientC},
	}
}

// Handle serves sample, profile and throttle
func (p *PowerGovernor) Handle(task *foundation.TaskSpec, cctx *supervisor.ChipContext) (any, error) {
	return p.Run(task, func() (any, error) {
		switch task.Op() {
		case "sample":
			return p.sample(task, cctx)
		case "profile":
			return p.profile(), nil
		case "throttle":
			return map[string]float64{"scale": p.Scale(), "temp_c": p.state.TempC}, nil
		default:
			return nil, fmt.Errorf("power: unknown op %q", task.Op())
		}
	})
}

func (p *PowerGovernor) sample(task *foundation.TaskSpec, cctx *supervisor.ChipContext) (any, error) {
	load, err := floatField(task.Payload, "load")
	if err != nil {
		return nil, utils.WrapError(err, "power: sample")
	}
	load = math.Max(0, math.Min(1, load))

	target := p.cfg.AmbientC + p.cfg.GainC*load
	p.state.TempC += (target - p.state.TempC) * p.cfg.Alpha
	p.state.Load = load

	p.state.Samples = append(p.state.Samples, []float64{load, p.state.TempC})
	if len(p.state.Samples) > p.cfg.MaxSample {
		p.state.Samples = p.state.Samples[1:]
	}

	protected := cctx != nil && cctx.Constitution.Enabled(foundation.RuleThermalProtection)
	if protected && p.state.TempC > p.cfg.CriticalC {
		p.state.Trips++
		return nil, fmt.Errorf("power: %w at %.1fC (critical %.1fC)", ErrThermalTrip, p.state.TempC, p.cfg.CriticalC)
	}

	return map[string]float64{"temp_c": p.state.TempC, "load": load, "scale": p.Scale()}, nil
}

// profile classifies the current operating point. Regime is -1 until
// enough samples exist or when clustering fails.
func (p *PowerGovernor) profile() ThermalProfile {
	out := ThermalProfile{Regime: -1, TempC: p.state.TempC, Load: p.state.Load, Samples: len(p.state.Samples)}
	if len(p.state.Samples) < p.cfg.Regimes {
		return out
	}

	training := make([][]float64, len(p.state.Samples))
	for i, s := range p.state.Samples {
		training[i] = append([]float64(nil), s...)
	}
	model := cluster.NewKMeans(p.cfg.Regimes, 30, training)
	model.Output = io.Discard
	if err := model.Learn(); err != nil {
		p.Logger().Debug("Thermal clustering failed", utils.Err(err))
		return out
	}
	guess, err := model.Predict([]float64{p.state.Load, p.state.TempC})
	if err != nil || len(guess) == 0 {
		return out
	}
	regime := int(guess[0])
	if regime >= 0 && regime < p.cfg.Regimes {
		out.Regime = regime
	}
	return out
}

// Scale is the recommended budget multiplier: 1 below the throttle point,
// falling linearly to 0.25 at critical.
func (p *PowerGovernor) Scale() float64 {
	t := p.state.TempC
	if t <= p.cfg.ThrottleC {
		return 1
	}
	if t >= p.cfg.CriticalC {
		return 0.25
	}
	frac := (t - p.cfg.ThrottleC) / (p.cfg.CriticalC - p.cfg.ThrottleC)
	return 1 - 0.75*frac
}

// Temperature returns the modelled die temperature
func (p *PowerGovernor) Temperature() float64 { return p.state.TempC }

// Health adds thermal readings to the base report
func (p *PowerGovernor) Health() *foundation.HealthStatus {
	h := p.BaseModule.Health()
	h.Summary = fmt.Sprintf("%.1fC at load %.2f, scale %.2f, %d trips", p.state.TempC, p.state.Load, p.Scale(), p.state.Trips)
	if p.state.TempC > p.cfg.ThrottleC {
		h.Issues = append(h.Issues, "throttling")
	}
	return h
}

// Snapshot captures the thermal state and sample window
func (p *PowerGovernor) Snapshot() supervisor.StateSnapshot {
	return p.state.Clone()
}

// Restore replaces the thermal state and sample window
func (p *PowerGovernor) Restore(s supervisor.StateSnapshot) error {
	st, ok := s.(*powerState)
	if !ok {
		return fmt.Errorf("power: %w (%T)", supervisor.ErrSnapshotType, s)
	}
	p.state = *st.Clone().(*powerState)
	return nil
}
