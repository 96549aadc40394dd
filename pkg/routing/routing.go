// Package routing resolves which upstream provider(s) a brave_* tool call
// should hit, as pure functions of the configured search-source mode and
// the Brave overflow policy. The split by tool name (tavily_* vs brave_*)
// is made by the caller before Resolve is reached.
package routing

import "strings"

// Mode is the configured search-source strategy.
type Mode string

const (
	ModeTavilyOnly       Mode = "tavily_only"
	ModeBraveOnly        Mode = "brave_only"
	ModeCombined         Mode = "combined"
	ModeBravePreferTavily Mode = "brave_prefer_tavily_fallback"

	defaultMode = ModeBravePreferTavily
)

// OverflowMode governs the brave_prefer_tavily_fallback rate-gate branch.
type OverflowMode string

const (
	OverflowQueue             OverflowMode = "queue"
	OverflowError              OverflowMode = "error"
	OverflowFallbackToTavily   OverflowMode = "fallback_to_tavily"

	defaultOverflow = OverflowFallbackToTavily
)

// Plan is the resolved execution strategy for one tool call.
type Plan string

const (
	PlanTavilyOnly Plan = "tavily_only"
	PlanBraveOnly  Plan = "brave_only"
	PlanCombined   Plan = "combined"
	// PlanBravePreferred means: try Brave first; on failure, rate-gate
	// exhaustion, or Brave not configured, fall back to Tavily per
	// OverflowMode.
	PlanBravePreferred Plan = "brave_preferred"
)

// ParseMode normalizes a configured mode string, case-insensitive and
// trimmed, falling back to the default for anything unrecognized.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTavilyOnly:
		return ModeTavilyOnly
	case ModeBraveOnly:
		return ModeBraveOnly
	case ModeCombined:
		return ModeCombined
	case ModeBravePreferTavily:
		return ModeBravePreferTavily
	default:
		return defaultMode
	}
}

// ParseOverflow normalizes a configured overflow string, falling back to
// the default for anything unrecognized.
func ParseOverflow(s string) OverflowMode {
	switch OverflowMode(strings.ToLower(strings.TrimSpace(s))) {
	case OverflowQueue:
		return OverflowQueue
	case OverflowError:
		return OverflowError
	case OverflowFallbackToTavily:
		return OverflowFallbackToTavily
	default:
		return defaultOverflow
	}
}

// Resolve maps a configured Mode to an execution Plan. Tool name only
// matters upstream of this call (tavily_* tools never reach the resolver;
// see mcpproxy's dispatch), so Resolve is a pure function of mode alone.
func Resolve(mode Mode) Plan {
	switch mode {
	case ModeTavilyOnly:
		return PlanTavilyOnly
	case ModeBraveOnly:
		return PlanBraveOnly
	case ModeCombined:
		return PlanCombined
	default:
		return PlanBravePreferred
	}
}

// OverflowAction is what to do when the Brave rate gate exhausts its wait
// budget under PlanBravePreferred.
type OverflowAction string

const (
	ActionFallbackToTavily OverflowAction = "fallback_to_tavily"
	ActionSurfaceError     OverflowAction = "surface_error"
)

// GateMaxWaitMs returns the maxWaitMs to pass to the Rate Gate for the
// Brave call under overflow. "queue" waits without a cap (0 means
// unbounded); the other two modes cap the wait at braveMaxQueueMs so a
// RateGateTimeout can actually occur.
func GateMaxWaitMs(overflow OverflowMode, braveMaxQueueMs int) int {
	if overflow == OverflowQueue {
		return 0
	}
	return braveMaxQueueMs
}

// OnRateGateTimeout decides what to do when the Brave rate gate times out
// under PlanBravePreferred. Only "error" surfaces the timeout directly;
// "fallback_to_tavily" (the default) and "queue" (which should never time
// out, since its wait is uncapped) both fall back to Tavily.
func OnRateGateTimeout(overflow OverflowMode) OverflowAction {
	if overflow == OverflowError {
		return ActionSurfaceError
	}
	return ActionFallbackToTavily
}
