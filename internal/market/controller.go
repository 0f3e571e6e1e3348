package market

// Regime confirmation is asymmetric: entries into danger regimes take
// effect on the first qualifying sample, everything else needs
// consecutive confirmation, and leaving a danger regime forces a
// cooling period during which trading stays paused.
const (
	confirmationCandles = 2
	coolingCandles      = 3
)

func isDanger(r Regime) bool {
	return r == RegimeSlowBleed || r == RegimePanicSell
}

type stateController struct {
	current      Regime
	pending      Regime
	pendingCount int
	cooling      int
}

func newStateController() *stateController {
	return &stateController{current: RegimeLowVolRange}
}

// Apply feeds one classified sample and returns the effective regime
// plus whether the post-danger cooling pause is active for this sample.
func (c *stateController) Apply(candidate Regime) (Regime, bool) {
	switch {
	case candidate == c.current:
		c.pending = ""
		c.pendingCount = 0

	case isDanger(candidate):
		c.transition(candidate)

	default:
		if candidate == c.pending {
			c.pendingCount++
		} else {
			c.pending = candidate
			c.pendingCount = 1
		}
		if c.pendingCount >= confirmationCandles {
			c.transition(candidate)
		}
	}

	coolingActive := c.cooling > 0
	if coolingActive {
		c.cooling--
	}
	return c.current, coolingActive
}

func (c *stateController) transition(to Regime) {
	if isDanger(c.current) && !isDanger(to) {
		c.cooling = coolingCandles
	}
	c.current = to
	c.pending = ""
	c.pendingCount = 0
}
