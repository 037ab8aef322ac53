//go:build govips && cgo

package pipeline

import (
	"errors"
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// libvips can be initialised once per process. After Shutdown it stays down.
var vipsState struct {
	sync.Mutex
	running bool
	stopped bool
}

func Startup() error {
	vipsState.Lock()
	defer vipsState.Unlock()

	switch {
	case vipsState.stopped:
		return errors.New("libvips was shut down and cannot be restarted")
	case vipsState.running:
		return nil
	}

	vips.LoggingSettings(nil, vips.LogLevelWarning)
	// Every upload is decoded once, so the operation cache only costs memory.
	vips.Startup(&vips.Config{
		ConcurrencyLevel: runtime.NumCPU(),
		MaxCacheFiles:    0,
		MaxCacheMem:      0,
		MaxCacheSize:     0,
	})
	vipsState.running = true
	return nil
}

func Shutdown() {
	vipsState.Lock()
	defer vipsState.Unlock()

	if !vipsState.running {
		return
	}
	vips.Shutdown()
	vipsState.running = false
	vipsState.stopped = true
}

func TransformerName() string {
	return "govips"
}

func newTransformer(maxPixels int) (Transformer, error) {
	return govipsTransformer{maxPixels: maxPixels}, nil
}
