package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrPluginLoad is wrapped by every *LoadError.
	ErrPluginLoad = errors.New("plugin load failed")

	// ErrManifestInvalid is returned when plugin.json is malformed or fails
	// validation.
	ErrManifestInvalid = errors.New("manifest invalid")

	// ErrPluginNotFound is returned for operations on an unknown plugin id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrUnsupportedEntry is returned by an Opener that cannot open the
	// plugin's entry. MultiOpener moves on to the next opener.
	ErrUnsupportedEntry = errors.New("unsupported plugin entry")

	// ErrLoaderClosed is returned after Close.
	ErrLoaderClosed = errors.New("plugin loader closed")
)

// LoadError reports why one plugin directory could not be loaded. Other
// plugins are unaffected.
type LoadError struct {
	Dir      string
	PluginID string
	Err      error
}

func (e *LoadError) Error() string {
	if e.PluginID != "" {
		return fmt.Sprintf("plugin %s (%s): %v", e.PluginID, e.Dir, e.Err)
	}
	return fmt.Sprintf("plugin at %s: %v", e.Dir, e.Err)
}

// Unwrap returns both ErrPluginLoad and the underlying cause.
func (e *LoadError) Unwrap() []error {
	return []error{ErrPluginLoad, e.Err}
}
