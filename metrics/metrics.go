// Package metrics provides the go-metrics counters/gauges shared by driver
// components. It is deliberately thin: a handful of named helpers over the
// library's package-level global sink, mirroring how the teacher wires
// go-metrics behind small helper funcs rather than threading a client
// through every call site.
package metrics

import (
	gometrics "github.com/hashicorp/go-metrics"
)

// IncrCounter increments a named counter by 1, e.g. "offers", "made".
func IncrCounter(key ...string) {
	gometrics.IncrCounter(key, 1)
}

// IncrCounterN increments a named counter by n.
func IncrCounterN(n float32, key ...string) {
	gometrics.IncrCounter(key, n)
}

// SetGauge records an instantaneous value, e.g. free core count.
func SetGauge(value float32, key ...string) {
	gometrics.SetGauge(key, value)
}
