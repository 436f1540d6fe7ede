package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Pacific zone without relying on the host tz database

	"github.com/withObsrvr/metric-transformer/internal/fields"
	"github.com/withObsrvr/metric-transformer/internal/record"
)

const (
	// BucketSeconds is the width of the time buckets timestamps snap to.
	BucketSeconds = 60

	DateTimeLayout = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"

	timestampKey    = "timestamp"
	atTimestampKey  = "@timestamp"
	metricKey       = "metric"
	deltaSecondsKey = "_deltaSeconds"
	datetimePTKey   = "datetime_pt"
	datePTKey       = "date_pt"
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrNotNumeric   = errors.New("value is not numeric")
	ErrNotObject    = errors.New("value is not an object")
	ErrOutOfRange   = errors.New("value is out of range")
)

// Timestamps and deltas must lie within these many seconds of the epoch so
// the Pacific date renders with a four-digit year between 0001 and 9999.
var (
	minSeconds = float64(time.Date(1, time.January, 2, 0, 0, 0, 0, time.UTC).Unix())
	maxSeconds = float64(time.Date(9999, time.December, 30, 0, 0, 0, 0, time.UTC).Unix())
)

// Pacific is the zone date_pt and datetime_pt are rendered in.
var Pacific = mustLoadLocation("America/Los_Angeles")

// FieldError reports a required field that is missing or has the wrong type.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Bucket rounds t to the nearest multiple of BucketSeconds, halves rounding up.
func Bucket(t float64) int64 {
	return int64(math.Floor(t/BucketSeconds+0.5)) * BucketSeconds
}

// DeltaBucket is Bucket clamped to at least one bucket width.
func DeltaBucket(d float64) int64 {
	return max(Bucket(d), BucketSeconds)
}

// UsageMetrics transforms one usage-metrics record:
//
//   - "@timestamp" is dropped;
//   - "timestamp" and "metric._deltaSeconds" are rounded to the minute, the
//     latter never below 60;
//   - "datetime_pt" and "date_pt" are added from the rounded timestamp in
//     Pacific time;
//   - keys are sanitized and filtered through spec at every depth.
//
// The input record is left untouched.
func UsageMetrics(rec *record.Object, spec fields.Spec) (*record.Object, error) {
	out := rec.Clone()
	out.Delete(atTimestampKey)

	ts, err := numericField(out, "", timestampKey, false)
	if err != nil {
		return nil, err
	}
	rounded := Bucket(ts)
	out.Set(timestampKey, record.Int(rounded))

	metricVal, ok := out.Get(metricKey)
	if !ok {
		return nil, &FieldError{Path: metricKey, Err: ErrMissingField}
	}
	metric, ok := metricVal.AsObject()
	if !ok {
		return nil, &FieldError{Path: metricKey, Err: ErrNotObject}
	}
	delta, err := numericField(metric, metricKey, deltaSecondsKey, true)
	if err != nil {
		return nil, err
	}
	metric = metric.Clone()
	metric.Set(deltaSecondsKey, record.Int(DeltaBucket(delta)))
	out.Set(metricKey, record.ObjectValue(metric))

	local := time.Unix(rounded, 0).In(Pacific)
	out.Set(datetimePTKey, record.String(local.Format(DateTimeLayout)))
	out.Set(datePTKey, record.String(local.Format(DateLayout)))

	return Clean(out, spec), nil
}

// numericField reads obj[key] as a number of seconds. Integer strings are
// accepted when allowString is set.
func numericField(obj *record.Object, parent, key string, allowString bool) (float64, error) {
	path := fields.Join(parent, key)

	v, ok := obj.Get(key)
	if !ok {
		return 0, &FieldError{Path: path, Err: ErrMissingField}
	}

	f, ok := v.AsFloat()
	if s, isString := v.AsString(); isString && allowString {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		f, ok = float64(n), err == nil
	}
	if !ok {
		return 0, &FieldError{Path: path, Err: fmt.Errorf("%w: %s", ErrNotNumeric, v.Kind())}
	}
	if f < minSeconds || f > maxSeconds {
		return 0, &FieldError{Path: path, Err: fmt.Errorf("%w: %v", ErrOutOfRange, f)}
	}
	return f, nil
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}
