/*
Package bitint sizes buffers to powers of two.

The sample store reserves its backing arrays once, for about one retention
horizon of samples. Rounding that reservation up to a power of two keeps
the growth pattern of append predictable when a parameter change later asks
for a little more room.

Usage:

	// Room for five seconds at 250 Hz plus two 50-sample windows
	capacity := bitint.Capacity(5*250+2*50, 1<<20) // Returns 2048

NextPowerOfTwo subtracts one before taking the bit length so that exact
powers of two are preserved: for 8, bits.Len(7) is 3 and 1<<3 is 8, while
bits.Len(8) would be 4 and double the input.
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of two >= size. Non-positive
// sizes return 1.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// Capacity returns NextPowerOfTwo(want) capped at limit. A non-positive
// limit disables the cap.
func Capacity(want, limit int) int {
	if limit > 0 && want >= limit {
		return limit
	}
	c := NextPowerOfTwo(want)
	if limit > 0 && c > limit {
		return limit
	}
	return c
}
