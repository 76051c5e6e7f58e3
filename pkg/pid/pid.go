// ABOUTME: PID controller for smooth playback drift correction
// ABOUTME: Produces a rate adjustment that steers measured drift to zero
package pid

// Controller is a single-input single-output PID controller. Gains are
// fixed at construction. Not safe for concurrent use; callers serialize.
type Controller struct {
	kp, ki, kd float64

	integral    float64
	lastError   float64
	maxIntegral float64
}

const (
	// defaultMaxIntegral bounds the integrator so a long disturbance
	// cannot wind it up past recovery.
	defaultMaxIntegral = 100.0

	// MinRate and MaxRate bound the playback-rate multiplier. The hard
	// clamp keeps pitch artefacts inaudible even with bad tuning.
	MinRate = 0.95
	MaxRate = 1.05
)

// New creates a controller with the given gains.
func New(kp, ki, kd float64) *Controller {
	return &Controller{
		kp:          kp,
		ki:          ki,
		kd:          kd,
		maxIntegral: defaultMaxIntegral,
	}
}

// NewAudio creates a controller with the reference audio tuning: error
// in milliseconds of drift, dt in seconds.
func NewAudio() *Controller {
	return New(0.005, 0.0001, 0.001)
}

// Next advances the controller by one step. error is target minus
// current (feed the negated drift), dt is the step length in seconds.
func (c *Controller) Next(err, dt float64) float64 {
	c.integral += err * dt
	if c.integral > c.maxIntegral {
		c.integral = c.maxIntegral
	} else if c.integral < -c.maxIntegral {
		c.integral = -c.maxIntegral
	}

	derivative := 0.0
	if dt > 0 {
		derivative = (err - c.lastError) / dt
	}
	c.lastError = err

	return c.kp*err + c.ki*c.integral + c.kd*derivative
}

// Reset zeroes the integrator and error memory. Call on any
// discontinuous jump: a seek, or a resync after a large offset change.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
}

// Multiplier converts a controller output into a clamped playback-rate
// multiplier around 1.0.
func Multiplier(output float64) float64 {
	rate := 1.0 + output
	if rate < MinRate {
		return MinRate
	}
	if rate > MaxRate {
		return MaxRate
	}
	return rate
}
