package video

import (
	"math"

	"github.com/asticode/go-astiav"
)

// KeyframeSampler throttles keyframe extraction: frames pass only when at
// least Interval seconds separate them from the last accepted one, measured
// on whole seconds rounded up. The counter starts at second zero, so the
// first accepted keyframe is the first one at or past Interval seconds.
// Non-key packets are dropped before decoding, so the sampler only ever
// sees keyframes.
type KeyframeSampler struct {
	// Interval is the minimum spacing in seconds. Values below 1 accept
	// every keyframe.
	Interval int

	lastSec int64
}

// Accept decides whether the keyframe at pts (in the given time base)
// should be processed.
func (k *KeyframeSampler) Accept(pts int64, timeBase astiav.Rational) bool {
	if k.Interval < 1 {
		return true
	}
	if pts == astiav.NoPtsValue {
		return true
	}
	sec := int64(math.Ceil(float64(pts) * timeBase.Float64()))
	if sec-k.lastSec >= int64(k.Interval) {
		k.lastSec = sec
		return true
	}
	return false
}
