package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Injection order matters: the console interceptor must be live before
// the trading driver so driver output is captured from its first line.
var scriptOrder = []string{
	"console_interceptor.js",
	"trading_driver.js",
	"account_helpers.js",
}

// ScriptBundle is the fixed set of page scripts injected into every tab.
type ScriptBundle struct {
	Version string
	Sources []string // in injection order
	Names   []string
}

// LoadScriptBundle reads the bundle from the configured directory. The
// version is a digest of all sources, so any edit re-invalidates every
// attached tab.
func LoadScriptBundle(dir string) (*ScriptBundle, error) {
	bundle := &ScriptBundle{}
	digest := sha256.New()

	for _, name := range scriptOrder {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read page script %s: %w", path, err)
		}
		bundle.Sources = append(bundle.Sources, string(data))
		bundle.Names = append(bundle.Names, name)
		digest.Write(data)
	}

	bundle.Version = hex.EncodeToString(digest.Sum(nil))[:12]
	return bundle, nil
}
