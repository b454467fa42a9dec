//go:build !linux

package recording

// NewEncoder has no native encoders to offer outside Linux.
func NewEncoder(FrameFunc, PCMFunc, Params) (Encoded, error) {
	return Encoded{}, ErrNoEncoder
}
