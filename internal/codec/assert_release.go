//go:build !devassert

package codec

// devAssert is off; unsupported attribute kinds are logged and skipped unless
// the codec is built with WithStrict.
const devAssert = false
