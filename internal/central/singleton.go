package central

import (
	"errors"
	"sync"

	"github.com/srg/blecentral/internal/device"
)

var (
	// ErrNotInitialized is returned by Default and Shutdown before Init.
	ErrNotInitialized = errors.New("central: not initialized, call central.Init first")
	// ErrAlreadyInitialized is returned by a second Init without Shutdown.
	ErrAlreadyInitialized = errors.New("central: already initialized")
)

var (
	defaultMu         sync.Mutex
	defaultController *Controller
)

// Init creates the process-wide controller. It fails if one already exists.
func Init(driver device.Driver, opts Options) (*Controller, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultController != nil {
		return nil, ErrAlreadyInitialized
	}
	c, err := New(driver, opts)
	if err != nil {
		return nil, err
	}
	defaultController = c
	return c, nil
}

// Default returns the process-wide controller.
func Default() (*Controller, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultController == nil {
		return nil, ErrNotInitialized
	}
	return defaultController, nil
}

// Shutdown closes the process-wide controller. Init may be called again afterwards.
func Shutdown() error {
	defaultMu.Lock()
	c := defaultController
	defaultController = nil
	defaultMu.Unlock()

	if c == nil {
		return ErrNotInitialized
	}
	return c.Close()
}
