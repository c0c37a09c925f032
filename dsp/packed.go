package dsp

// Packed spectrum layout for an N-point real transform, N+1 floats:
//
//	[0, N/2)     real parts of bins 0..N/2-1
//	[N/2]        zero (imaginary part of bin 0)
//	[N/2+1, N)   imaginary parts of bins 1..N/2-1
//	[N]          real part of the Nyquist bin
//
// With this layout a complex multiply-accumulate of two half spectra is
// four vector passes over N/2 elements plus one scalar for Nyquist.

// prepareForConvolution packs the N/2+1 bins of spectrum into packed.
func prepareForConvolution(packed []float32, spectrum []complex64) {
	half := len(spectrum) - 1
	_ = packed[2*half]

	for i := range half {
		packed[i] = real(spectrum[i])
	}

	packed[half] = 0

	for i := 1; i < half; i++ {
		packed[half+i] = imag(spectrum[i])
	}

	packed[2*half] = real(spectrum[half])
}

// convolutionProcessingAndAccumulate adds the complex product of two packed
// spectra to out.
func convolutionProcessingAndAccumulate(in, imp, out []float32) {
	n := len(out) - 1
	half := n / 2

	inRe, inIm := in[:half], in[half:n]
	impRe, impIm := imp[:half], imp[half:n]
	outRe, outIm := out[:half], out[half:n]

	addWithMultiply(outRe, inRe, impRe)
	subtractWithMultiply(outRe, inIm, impIm)
	addWithMultiply(outIm, inRe, impIm)
	addWithMultiply(outIm, inIm, impRe)

	out[n] += in[n] * imp[n]
}

// updateSymmetricFrequencyDomainData unpacks packed into the N/2+1 bins
// consumed by the inverse transform. The imaginary parts of bin 0 and of
// the Nyquist bin are zero.
func updateSymmetricFrequencyDomainData(spectrum []complex64, packed []float32) {
	half := len(spectrum) - 1
	_ = packed[2*half]

	spectrum[0] = complex(packed[0], 0)

	for i := 1; i < half; i++ {
		spectrum[i] = complex(packed[i], packed[half+i])
	}

	spectrum[half] = complex(packed[2*half], 0)
}

func addWithMultiply(dst, a, b []float32) {
	b = b[:len(dst)]
	a = a[:len(dst)]

	for i := range dst {
		dst[i] += a[i] * b[i]
	}
}

func subtractWithMultiply(dst, a, b []float32) {
	b = b[:len(dst)]
	a = a[:len(dst)]

	for i := range dst {
		dst[i] -= a[i] * b[i]
	}
}

func addInto(dst, src []float32) {
	src = src[:len(dst)]

	for i := range dst {
		dst[i] += src[i]
	}
}
