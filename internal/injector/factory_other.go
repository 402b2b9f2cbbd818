//go:build !linux

package injector

// NewDefault has no wired backend outside Linux (§1 Non-goals).
func NewDefault(backend string) (Injector, error) {
	return nil, ErrUnsupportedPlatform
}
