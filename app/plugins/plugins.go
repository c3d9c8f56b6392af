// Package plugins links the built-in implementations into the binary. Each
// imported package registers its factories from init.
package plugins

import (
	"github.com/kilianp07/flexplan/core/channel"
	coremetrics "github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/step"

	_ "github.com/kilianp07/flexplan/core/step/builtin"
	_ "github.com/kilianp07/flexplan/infra/channel"
	_ "github.com/kilianp07/flexplan/infra/metrics"
)

// Catalog lists the registered implementations per extension point.
func Catalog() map[string][]string {
	return map[string][]string{
		"steps":    step.Implementations(),
		"channels": channel.Types(),
		"metrics":  coremetrics.Sinks(),
	}
}
