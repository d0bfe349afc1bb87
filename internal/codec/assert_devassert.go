//go:build devassert

package codec

// devAssert turns unsupported attribute kinds into panics.
const devAssert = true
