// Package factory provides a small generic registry used to instantiate
// pluggable modules (metrics sinks, message channels, business steps) from
// configuration. A module is named by a type string and carries a map of raw
// settings that its factory decodes into a typed struct.
//
// Example usage:
//
//	reg := factory.NewRegistry[step.Step]()
//	reg.Register("static-forecast", func(conf map[string]any) (step.Step, error) {
//	    var c struct{ Power int64 `json:"power"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return NewStaticForecast(c.Power), nil
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "static-forecast", Conf: map[string]any{"power": 1000}})
package factory
