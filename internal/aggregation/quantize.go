package aggregation

// 1-bit column quantization with error feedback. Each column of a
// gradient matrix is reduced to one bit per element plus two
// reconstruction values; whatever the quantization loses stays behind in
// a residual that is added back before the next round, so the error does
// not accumulate, it just arrives late.

// quantizeColumn1Bit quantizes col in place to its two reconstruction
// values and writes the quantization error into residual (same length).
//
// With zeroThreshold, elements split at zero; otherwise they split at the
// column mean. Each side reconstructs to its own mean, which minimizes
// the within-side squared error.
func quantizeColumn1Bit(col, residual []float64, zeroThreshold bool) {
	threshold := 0.0
	if !zeroThreshold {
		sum := 0.0
		for _, v := range col {
			sum += v
		}
		threshold = sum / float64(len(col))
	}

	var sumLo, sumHi float64
	var nLo, nHi int
	for _, v := range col {
		if v < threshold {
			sumLo += v
			nLo++
		} else {
			sumHi += v
			nHi++
		}
	}
	lo, hi := 0.0, 0.0
	if nLo > 0 {
		lo = sumLo / float64(nLo)
	}
	if nHi > 0 {
		hi = sumHi / float64(nHi)
	}

	for i, v := range col {
		q := hi
		if v < threshold {
			q = lo
		}
		residual[i] = v - q
		col[i] = q
	}
}
