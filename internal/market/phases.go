package market

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"trading-worker/config"
	"trading-worker/internal/database"
)

// SessionPhase labels one intraday window with gating semantics
type SessionPhase string

const (
	PhaseAsiaRange     SessionPhase = "ASIA_RANGE"
	PhaseLondonCore    SessionPhase = "LONDON_CORE"
	PhasePreUSRange    SessionPhase = "PRE_US_RANGE"
	PhaseUSCoreTrading SessionPhase = "US_CORE_TRADING"
	// PhaseUSCore is the older name for the US session. It resolves only
	// when an asset explicitly enables it; new configs use US_CORE_TRADING.
	PhaseUSCore     SessionPhase = "US_CORE"
	PhaseEIAPre     SessionPhase = "EIA_PRE"
	PhaseEIAPost    SessionPhase = "EIA_POST"
	PhaseFridayLate SessionPhase = "FRIDAY_LATE"
	PhaseOther      SessionPhase = "OTHER"
)

// PhaseWindow is one resolved phase window in minutes-of-day UTC
type PhaseWindow struct {
	Phase       SessionPhase
	StartMinute int
	EndMinute   int
	RangeBuild  bool
	Trading     bool
	Priority    int
}

// Contains reports whether minute m falls inside the window. Windows
// wrapping midnight match m >= start or m < end.
func (w PhaseWindow) Contains(m int) bool {
	if w.StartMinute <= w.EndMinute {
		return m >= w.StartMinute && m < w.EndMinute
	}
	return m >= w.StartMinute || m < w.EndMinute
}

// SessionTimes is the runtime view over one asset's enabled phase
// windows, ordered by declared priority.
type SessionTimes struct {
	Windows []PhaseWindow
}

// WindowFor returns the window for a phase, if present
func (s SessionTimes) WindowFor(phase SessionPhase) (PhaseWindow, bool) {
	for _, w := range s.Windows {
		if w.Phase == phase {
			return w, true
		}
	}
	return PhaseWindow{}, false
}

// ParseMinutes converts an HH:MM string to minutes past midnight
func ParseMinutes(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return hour*60 + minute, nil
}

// SessionTimesFromConfigs builds session times from an asset's phase
// configs. Disabled rows and rows with unparseable times are skipped.
func SessionTimesFromConfigs(configs []database.AssetSessionPhaseConfig) SessionTimes {
	windows := make([]PhaseWindow, 0, len(configs))
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		start, err := ParseMinutes(c.StartTimeUTC)
		if err != nil {
			continue
		}
		end, err := ParseMinutes(c.EndTimeUTC)
		if err != nil {
			continue
		}
		windows = append(windows, PhaseWindow{
			Phase:       SessionPhase(c.Phase),
			StartMinute: start,
			EndMinute:   end,
			RangeBuild:  c.IsRangeBuild,
			Trading:     c.IsTradingPhase,
			Priority:    c.Priority,
		})
	}
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].Priority < windows[j].Priority })
	return SessionTimes{Windows: windows}
}

// DefaultSessionTimes builds session times from the configured defaults,
// used when an asset carries no phase configs of its own.
func DefaultSessionTimes(d config.PhaseDefaults) SessionTimes {
	specs := []struct {
		phase      SessionPhase
		window     config.PhaseWindow
		rangeBuild bool
		trading    bool
	}{
		{PhaseAsiaRange, d.AsiaRange, true, false},
		{PhaseLondonCore, d.LondonCore, false, true},
		{PhasePreUSRange, d.PreUSRange, true, false},
		{PhaseUSCoreTrading, d.USCoreTrading, false, true},
	}

	windows := make([]PhaseWindow, 0, len(specs))
	for i, s := range specs {
		start, err := ParseMinutes(s.window.Start)
		if err != nil {
			continue
		}
		end, err := ParseMinutes(s.window.End)
		if err != nil {
			continue
		}
		windows = append(windows, PhaseWindow{
			Phase:       s.phase,
			StartMinute: start,
			EndMinute:   end,
			RangeBuild:  s.rangeBuild,
			Trading:     s.trading,
			Priority:    (i + 1) * 10,
		})
	}
	return SessionTimes{Windows: windows}
}

// PhaseResolver resolves the session phase for an asset at an instant.
// EIA report windows take precedence over everything; weekend and late
// Friday gating applies to assets whose venue is not open around the
// clock; enabled windows then match by priority.
type PhaseResolver struct {
	defaults         SessionTimes
	eiaMinute        int // minute-of-day of the EIA reference, -1 when disabled
	eiaPreMinutes    int
	eiaPostMinutes   int
	fridayLateMinute int
}

// NewPhaseResolver builds a resolver from worker config
func NewPhaseResolver(worker config.WorkerConfig, defaults config.PhaseDefaults) *PhaseResolver {
	r := &PhaseResolver{
		defaults:         DefaultSessionTimes(defaults),
		eiaMinute:        -1,
		eiaPreMinutes:    worker.EIAPreMinutes,
		eiaPostMinutes:   worker.EIAPostMinutes,
		fridayLateMinute: 20 * 60,
	}
	if worker.EIAReferenceUTC != "" {
		if m, err := ParseMinutes(worker.EIAReferenceUTC); err == nil {
			r.eiaMinute = m
		}
	}
	if worker.FridayLateStart != "" {
		if m, err := ParseMinutes(worker.FridayLateStart); err == nil {
			r.fridayLateMinute = m
		}
	}
	return r
}

// SessionTimesFor returns the asset's session times, or the defaults when
// the asset is nil or carries no enabled configs.
func (r *PhaseResolver) SessionTimesFor(asset *database.TradingAsset) SessionTimes {
	if asset == nil || len(asset.PhaseConfigs) == 0 {
		return r.defaults
	}
	times := SessionTimesFromConfigs(asset.PhaseConfigs)
	if len(times.Windows) == 0 {
		return r.defaults
	}
	return times
}

// PhaseFor resolves the phase for an asset at now. A nil asset resolves
// against the default windows with full weekend gating.
func (r *PhaseResolver) PhaseFor(asset *database.TradingAsset, now time.Time) SessionPhase {
	utc := now.UTC()
	m := utc.Hour()*60 + utc.Minute()

	if phase, ok := r.eiaPhase(m); ok {
		return phase
	}

	gated := asset == nil || (!asset.IsCrypto && !asset.Trades247)
	if gated {
		switch utc.Weekday() {
		case time.Saturday, time.Sunday:
			return PhaseOther
		case time.Friday:
			if m >= r.fridayLateMinute {
				return PhaseFridayLate
			}
		}
	}

	for _, w := range r.SessionTimesFor(asset).Windows {
		if w.Contains(m) {
			return w.Phase
		}
	}
	return PhaseOther
}

// IsRangeBuildPhase reports whether the resolved phase builds a range
// for this asset.
func (r *PhaseResolver) IsRangeBuildPhase(asset *database.TradingAsset, phase SessionPhase) bool {
	if w, ok := r.SessionTimesFor(asset).WindowFor(phase); ok {
		return w.RangeBuild
	}
	return false
}

// IsTradingPhase reports whether the resolved phase allows setups. EIA
// windows trade; the late Friday window does not.
func (r *PhaseResolver) IsTradingPhase(asset *database.TradingAsset, phase SessionPhase) bool {
	switch phase {
	case PhaseEIAPre, PhaseEIAPost:
		return true
	case PhaseFridayLate, PhaseOther:
		return false
	}
	if w, ok := r.SessionTimesFor(asset).WindowFor(phase); ok {
		return w.Trading
	}
	return false
}

func (r *PhaseResolver) eiaPhase(m int) (SessionPhase, bool) {
	if r.eiaMinute < 0 {
		return "", false
	}
	pre := PhaseWindow{StartMinute: wrapMinute(r.eiaMinute - r.eiaPreMinutes), EndMinute: r.eiaMinute}
	if r.eiaPreMinutes > 0 && pre.Contains(m) {
		return PhaseEIAPre, true
	}
	post := PhaseWindow{StartMinute: r.eiaMinute, EndMinute: wrapMinute(r.eiaMinute + r.eiaPostMinutes + 1)}
	if r.eiaPostMinutes > 0 && post.Contains(m) {
		return PhaseEIAPost, true
	}
	return "", false
}

func wrapMinute(m int) int {
	const day = 24 * 60
	return ((m % day) + day) % day
}
