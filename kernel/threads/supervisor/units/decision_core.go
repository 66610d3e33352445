package units

import (
	"fmt"
	"sort"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// DefaultRoutes maps intent labels to the module best placed to serve them
func DefaultRoutes() map[string]foundation.Route {
	return map[string]foundation.Route{
		"ping":     {Lane: foundation.LaneLive, Module: NameDecisionCore, Op: "ack"},
		"recall":   {Lane: foundation.LaneLive, Module: NameCache, Op: "get"},
		"memorize": {Lane: foundation.LaneWork, Module: NameCache, Op: "put"},
		"compute":  {Lane: foundation.LaneWork, Module: NameAccelerator, Op: "sum"},
		"remember": {Lane: foundation.LaneBackground, Module: NameVault, Op: "propose"},
		"speak":    {Lane: foundation.LaneLive, Module: NameIOBus, Op: "emit"},
		"thermal":  {Lane: foundation.LaneBackground, Module: NamePower, Op: "sample"},
	}
}

// FallbackRoute is the safe default for intents nobody claims
func FallbackRoute() foundation.Route {
	return foundation.Route{Lane: foundation.LaneWork, Module: NameDecisionCore, Op: "ack"}
}

// DecisionCore is the low-latency router: it maps intents to lane/module pairs
type DecisionCore struct {
	*supervisor.BaseModule
	state decisionState
}

type decisionState struct {
	Routes map[string]foundation.Route
	Routed uint64
	Misses uint64
}

func (s *decisionState) Clone() supervisor.StateSnapshot {
	c := &decisionState{
		Routes: make(map[string]foundation.Route, len(s.Routes)),
		Routed: s.Routed,
		Misses: s.Misses,
	}
	for k, v := range s.Routes {
		c.Routes[k] = v
	}
	return c
}

// NewDecisionCore creates the router. Nil routes means DefaultRoutes.
func NewDecisionCore(routes map[string]foundation.Route, logger *utils.Logger) *DecisionCore {
	if routes == nil {
		routes = DefaultRoutes()
	}
	dc := &DecisionCore{
		BaseModule: supervisor.NewBaseModule(NameDecisionCore, foundation.RoleDecision, logger),
		state:      decisionState{Routes: make(map[string]foundation.Route, len(routes))},
	}
	for k, v := range routes {
		dc.state.Routes[k] = v
	}
	return dc
}

// Handle serves route, ack and set_route
func (dc *DecisionCore) Handle(task *foundation.TaskSpec, _ *supervisor.ChipContext) (any, error) {
	return dc.Run(task, func() (any, error) {
		switch task.Op() {
		case "route":
			return dc.route(task)
		case "ack":
			return map[string]any{"ack": true, "task": task.Name}, nil
		case "set_route":
			return dc.setRoute(task)
		default:
			return nil, fmt.Errorf("decision_core: unknown op %q", task.Op())
		}
	})
}

func (dc *DecisionCore) route(task *foundation.TaskSpec) (foundation.Route, error) {
	intent, err := stringField(task.Payload, "intent")
	if err != nil {
		return foundation.Route{}, utils.WrapError(err, "decision_core: route")
	}
	r, ok := dc.state.Routes[intent]
	if !ok {
		dc.state.Misses++
		return FallbackRoute(), nil
	}
	dc.state.Routed++
	return r, nil
}

func (dc *DecisionCore) setRoute(task *foundation.TaskSpec) (foundation.Route, error) {
	intent, err := stringField(task.Payload, "intent")
	if err != nil {
		return foundation.Route{}, utils.WrapError(err, "decision_core: set_route")
	}
	module, err := stringField(task.Payload, "module")
	if err != nil {
		return foundation.Route{}, utils.WrapError(err, "decision_core: set_route")
	}
	laneName, _ := task.Payload["lane"].(string)
	lane, err := foundation.ParseLane(laneName)
	if err != nil {
		return foundation.Route{}, utils.WrapError(err, "decision_core: set_route")
	}
	op, _ := task.Payload["target_op"].(string)

	r := foundation.Route{Lane: lane, Module: module, Op: op}
	dc.state.Routes[intent] = r
	return r, nil
}

// Intents lists known intent labels, sorted
func (dc *DecisionCore) Intents() []string {
	out := make([]string, 0, len(dc.state.Routes))
	for k := range dc.state.Routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Health adds routing counters to the base report
func (dc *DecisionCore) Health() *foundation.HealthStatus {
	h := dc.BaseModule.Health()
	h.Summary = fmt.Sprintf("%d routes, %d routed, %d misses", len(dc.state.Routes), dc.state.Routed, dc.state.Misses)
	return h
}

// Snapshot captures the routing table
func (dc *DecisionCore) Snapshot() supervisor.StateSnapshot {
	return dc.state.Clone()
}

// Restore replaces the routing table
func (dc *DecisionCore) Restore(s supervisor.StateSnapshot) error {
	st, ok := s.(*decisionState)
	if !ok {
		return fmt.Errorf("decision_core: %w (%T)", supervisor.ErrSnapshotType, s)
	}
	dc.state = *st.Clone().(*decisionState)
	return nil
}
