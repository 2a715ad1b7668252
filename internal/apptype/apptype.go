// Package apptype decides an app's AppKind once, when the config is
// completed, from a probe of its directory — the tagged-variant replacement for the
// string-keyed, per-request file-extension sniffing the spec's Design
// Notes (§9) call out as an anti-pattern.
package apptype

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/appmux/appmux/internal/registry"
)

// Detect inspects dir once and returns its AppKind: dashboard if it holds a
// package.json, markdown if at least half of its files end in .md, plain
// otherwise. The result is stored on AppSpec.Kind; the supervisor always
// launches run.sh and the landing page does not show the kind. It never
// touches per-request state.
func Detect(dir string) registry.AppKind {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return registry.AppKindPlain
	}

	mdCount := 0
	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		total++
		if name == "package.json" {
			return registry.AppKindDashboard
		}
		if strings.EqualFold(filepath.Ext(name), ".md") {
			mdCount++
		}
	}
	if total > 0 && mdCount*2 >= total {
		return registry.AppKindMarkdown
	}
	return registry.AppKindPlain
}
