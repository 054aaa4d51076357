package client

import (
	"code.kassandra.org/golang/pkg/fmd"
)

// Apportion splits a requested overall false positive rate across n
// providers in integer log space. Each provider receives
// ceil(fprLog2 / n) exponent bits, clamped to [1, maxFprLog2], so that the
// intersection of n independent detections approximates 2^-fprLog2.
//
// The boolean reports whether clamping weakened the split: when the summed
// per provider exponents fall short of fprLog2 the expected intersected rate
// stays above the requested one and the caller should warn before
// proceeding.
func Apportion(fprLog2 uint, n int, maxFprLog2 uint) (uint, bool, error) {
	if 0 >= n {
		return 0, false, newError("apportioning over %d providers", n)
	}
	if 0 == fprLog2 || fprLog2 > uint(n)*fmd.MaxFprLog2 {
		return 0, false, newError("requested fprLog2 %d outside of [1, %d]", fprLog2, n*fmd.MaxFprLog2)
	}
	if 0 == maxFprLog2 || maxFprLog2 > fmd.MaxFprLog2 {
		return 0, false, newError("fprLog2 ceiling %d outside of [1, %d]", maxFprLog2, fmd.MaxFprLog2)
	}

	per := (fprLog2 + uint(n) - 1) / uint(n)
	if per > maxFprLog2 {
		per = maxFprLog2
	}

	return per, per*uint(n) < fprLog2, nil
}
