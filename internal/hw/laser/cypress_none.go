//go:build !(linux && cgo && cyusbserial)

package laser

// CypressBackend reports whether this build can drive the pulser bridge.
const CypressBackend = false

// OpenCypress always fails with ErrNoBackend. Build with
// -tags cyusbserial on Linux to drive a real pulser.
func OpenCypress() (Bridge, error) {
	return nil, ErrNoBackend
}
