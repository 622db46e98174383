package browser

import (
	"fmt"
	"os"

	"github.com/go-rod/rod/lib/launcher"
)

// launchedBrowser is a Chromium process started by this service.
type launchedBrowser struct {
	l          *launcher.Launcher
	controlURL string
}

// launchLocal finds (or downloads) a Chromium build and starts it with a
// remote-debugging endpoint. ROD_BROWSER_BIN overrides the lookup.
func launchLocal(cfg CDPConfig) (*launchedBrowser, error) {
	l := launcher.New().Headless(cfg.Headless)
	switch bin := resolveBinary(cfg.ExecPath); {
	case bin != "":
		l = l.Bin(bin)
	default:
		if path, found := launcher.LookPath(); found {
			l = l.Bin(path)
		}
	}
	if cfg.NoSandbox || os.Getenv("CI") == "true" {
		l = l.NoSandbox(true)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch browser: %v", ErrTransport, err)
	}
	return &launchedBrowser{l: l, controlURL: u}, nil
}

func resolveBinary(execPath string) string {
	if execPath != "" {
		return execPath
	}
	return os.Getenv("ROD_BROWSER_BIN")
}

func (b *launchedBrowser) kill() {
	if b == nil || b.l == nil {
		return
	}
	b.l.Kill()
	b.l.Cleanup()
}
