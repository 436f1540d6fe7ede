// Package transform holds the per-record transforms applied by the job.
package transform

import (
	"regexp"

	"github.com/withObsrvr/metric-transformer/internal/fields"
	"github.com/withObsrvr/metric-transformer/internal/record"
)

// invalidKeyChars matches characters a warehouse column name cannot contain.
var invalidKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeKey replaces every character outside [A-Za-z0-9_] with "_".
func SanitizeKey(key string) string {
	return invalidKeyChars.ReplaceAllString(key, "_")
}

// Clean returns a copy of obj with sanitized keys, keeping only the paths the
// spec allows. Paths are built from the original keys at every depth; nested
// objects are cleaned with the same spec.
func Clean(obj *record.Object, spec fields.Spec) *record.Object {
	return clean(obj, spec, "")
}

func clean(obj *record.Object, spec fields.Spec, parent string) *record.Object {
	out := record.NewObject()
	obj.Range(func(key string, v record.Value) bool {
		path := fields.Join(parent, key)
		if !spec.Keep(path) {
			return true
		}
		if nested, ok := v.AsObject(); ok {
			v = record.ObjectValue(clean(nested, spec, path))
		}
		out.Set(SanitizeKey(key), v)
		return true
	})
	return out
}
