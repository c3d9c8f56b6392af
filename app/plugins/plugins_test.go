package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/flexplan/core/step/builtin"
)

func TestCatalogListsBuiltins(t *testing.T) {
	c := Catalog()
	assert.Subset(t, c["steps"], []string{builtin.StaticForecast, builtin.CeilingGridSafety})
	assert.Subset(t, c["channels"], []string{"log", "mqtt", "nats", "http"})
	assert.Subset(t, c["metrics"], []string{"nop", "prometheus", "influx"})
}
