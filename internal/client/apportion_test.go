package client

import (
	"testing"

	"code.kassandra.org/golang/pkg/fmd"
)

func TestApportion(t *testing.T) {
	testcases := []struct {
		name    string
		fprLog2 uint
		n       int
		max     uint
		per     uint
		short   bool
		fail    bool
	}{
		{name: "even split", fprLog2: 8, n: 2, max: fmd.MaxFprLog2, per: 4},
		{name: "odd split rounds up", fprLog2: 9, n: 2, max: fmd.MaxFprLog2, per: 5},
		{name: "single provider", fprLog2: 12, n: 1, max: fmd.MaxFprLog2, per: 12},
		{name: "clamped to ceiling", fprLog2: 20, n: 2, max: 8, per: 8, short: true},
		{name: "clamp without shortfall", fprLog2: 8, n: 2, max: 4, per: 4},
		{name: "zero providers", fprLog2: 8, n: 0, max: fmd.MaxFprLog2, fail: true},
		{name: "zero rate", fprLog2: 0, n: 2, max: fmd.MaxFprLog2, fail: true},
		{name: "rate beyond providers", fprLog2: 2*fmd.MaxFprLog2 + 1, n: 2, max: fmd.MaxFprLog2, fail: true},
		{name: "ceiling beyond protocol", fprLog2: 8, n: 2, max: fmd.MaxFprLog2 + 1, fail: true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			per, short, err := Apportion(tc.fprLog2, tc.n, tc.max)
			if tc.fail {
				if nil == err {
					t.Fatalf("invalid apportionment was accepted, error expected")
				}
				return
			}
			if nil != err {
				t.Fatalf("failed apportioning, got error %v", err)
			}
			if tc.per != per {
				t.Fatalf("per provider exponent is %d, %d expected", per, tc.per)
			}
			if tc.short != short {
				t.Fatalf("shortfall flag is %t, %t expected", short, tc.short)
			}
		})
	}
}
