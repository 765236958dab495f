package observability

import (
	"time"

	"github.com/signalsfoundry/rao/internal/linearopt"
	"github.com/signalsfoundry/rao/internal/linearproblem"
	"github.com/signalsfoundry/rao/internal/searchtree"
)

var _ searchtree.Recorder = (*RaoCollector)(nil)

// ObserveSolve records one linear problem solve.
func (c *RaoCollector) ObserveSolve(status linearproblem.Status, d time.Duration) {
	if c == nil || c.Solves == nil {
		return
	}
	c.Solves.WithLabelValues(status.String()).Inc()
	if c.SolveDuration != nil {
		c.SolveDuration.Observe(d.Seconds())
	}
}

// ObserveLinearOptimization records the outcome of one iterating linear
// optimisation.
func (c *RaoCollector) ObserveLinearOptimization(status linearopt.Status, iterations int) {
	if c == nil || c.LinearOptimizations == nil {
		return
	}
	c.LinearOptimizations.WithLabelValues(status.String()).Inc()
	if c.LinearIterations != nil {
		c.LinearIterations.Observe(float64(iterations))
	}
}

// ObserveLeaf records a leaf reaching its final status.
func (c *RaoCollector) ObserveLeaf(status searchtree.LeafStatus) {
	if c == nil || c.Leaves == nil {
		return
	}
	c.Leaves.WithLabelValues(status.String()).Inc()
}

// ObserveSearchDepth sets the depth being explored.
func (c *RaoCollector) ObserveSearchDepth(depth int) {
	if c == nil || c.SearchDepth == nil {
		return
	}
	c.SearchDepth.Set(float64(depth))
}

// ObservePerimeter records the duration of one perimeter optimisation.
func (c *RaoCollector) ObservePerimeter(kind string, d time.Duration) {
	if c == nil || c.PerimeterDuration == nil {
		return
	}
	c.PerimeterDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRun records the result of a RAO run.
func (c *RaoCollector) ObserveRun(status string, cost float64) {
	if c == nil || c.Runs == nil {
		return
	}
	c.Runs.WithLabelValues(status).Inc()
	if c.RunCost != nil {
		c.RunCost.Set(cost)
	}
}

// SetLiveVariants updates the live network variant gauge. It matches the
// observer expected by core.WithLiveVariantObserver.
func (c *RaoCollector) SetLiveVariants(live int) {
	if c == nil || c.LiveVariants == nil {
		return
	}
	c.LiveVariants.Set(float64(live))
}
