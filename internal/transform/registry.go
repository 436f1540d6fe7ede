package transform

import (
	"fmt"
	"sort"

	"github.com/withObsrvr/metric-transformer/internal/fields"
	"github.com/withObsrvr/metric-transformer/internal/record"
)

// Func transforms one record. Implementations must not modify rec and signal
// records they cannot handle with an error, which fails the whole file.
type Func func(rec *record.Object, spec fields.Spec) (*record.Object, error)

// DefaultName is the transform used when none is configured.
const DefaultName = "usage_metrics"

var registry = map[string]Func{
	"usage_metrics": UsageMetrics,
	"clean":         Identity,
}

// Identity only sanitizes keys and applies the field spec.
func Identity(rec *record.Object, spec fields.Spec) (*record.Object, error) {
	return Clean(rec, spec), nil
}

// Lookup returns the transform registered under name. An empty name selects
// DefaultName.
func Lookup(name string) (Func, error) {
	if name == "" {
		name = DefaultName
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q (available: %v)", name, Names())
	}
	return fn, nil
}

// Names lists the registered transforms.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
