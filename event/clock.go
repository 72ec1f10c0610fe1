package event

// HardwareCounter extends the platform's narrower-than-64-bit tick counter
// into a monotonic 64-bit value by watching for wraparound (a high-bit
// transition). It holds no lock of its own; callers (the platform tick
// handler) are expected to call Extend from a single sequential context,
// matching the single interrupt source the cooperative scheduling model
// assumes.
type HardwareCounter struct {
	bits        uint8 // width of the hardware counter in bits
	lastRaw     uint64
	extended    uint64
	initialized bool
}

// NewHardwareCounter returns a counter extender for a hardware register
// bits wide.
func NewHardwareCounter(bits uint8) *HardwareCounter {
	return &HardwareCounter{bits: bits}
}

// Extend folds a raw hardware counter sample into the running 64-bit
// monotonic value and returns the delta since the previous sample, which
// callers feed directly to Core.Tick.
func (h *HardwareCounter) Extend(raw uint64) (extended uint64, delta uint64) {
	mask := (uint64(1) << h.bits) - 1
	raw &= mask

	if !h.initialized {
		h.initialized = true
		h.lastRaw = raw
		return h.extended, 0
	}

	step := raw - h.lastRaw
	if raw < h.lastRaw {
		// Wrapped around past the top bit; the advance since lastRaw is
		// still (mask+1 - lastRaw + raw), computed via unsigned wraparound.
		step = (mask + 1) - h.lastRaw + raw
	}

	h.extended += step
	h.lastRaw = raw
	return h.extended, step
}

// FixedClock is a test/deterministic Clock implementation with a
// caller-controlled frequency.
type FixedClock struct {
	Hz uint64
}

// FrequencyHz implements Clock.
func (c FixedClock) FrequencyHz() uint64 { return c.Hz }
