package ncco

// Rate is an SSML prosody speaking rate.
type Rate string

const (
	RateXSlow  Rate = "x-slow"
	RateSlow   Rate = "slow"
	RateMedium Rate = "medium"
	RateFast   Rate = "fast"
	RateXFast  Rate = "x-fast"
)

// rates is ordered slowest to fastest.
var rates = []Rate{RateXSlow, RateSlow, RateMedium, RateFast, RateXFast}

func (r Rate) index() int {
	for i, v := range rates {
		if v == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is one of the five known rates.
func (r Rate) Valid() bool {
	return r.index() >= 0
}

// Faster returns the next faster rate, saturating at x-fast.
func (r Rate) Faster() Rate {
	i := r.index()
	if i < 0 {
		return RateMedium
	}
	if i == len(rates)-1 {
		return r
	}
	return rates[i+1]
}

// Slower returns the next slower rate, saturating at x-slow.
func (r Rate) Slower() Rate {
	i := r.index()
	if i < 0 {
		return RateMedium
	}
	if i == 0 {
		return r
	}
	return rates[i-1]
}
