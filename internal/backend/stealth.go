package backend

import (
	"fmt"
	"math/rand"
)

// StealthConfig is the narrow integration boundary to browser fingerprint
// synthesis: per spec, fingerprint spoofing itself is out of scope for the
// core, so this holds only what BrowserBackend needs to pass through to
// go-rod/stealth and the Chromium launch flags.
type StealthConfig struct {
	WindowSize  string
	UserDataDir string
}

// DefaultStealthConfig returns a stealth configuration mimicking a typical
// desktop viewport.
func DefaultStealthConfig() *StealthConfig {
	viewports := []struct{ w, h int }{
		{1920, 1080}, {1366, 768}, {1536, 864},
		{1440, 900}, {1280, 720}, {2560, 1440},
	}
	vp := viewports[rand.Intn(len(viewports))]

	return &StealthConfig{
		WindowSize: fmt.Sprintf("%d,%d", vp.w, vp.h),
	}
}
