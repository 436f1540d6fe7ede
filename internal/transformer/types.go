package transformer

import (
	"time"
)

// FileTask is a unit of work: one input file and where its output goes.
type FileTask struct {
	InputPath string // path of the input file as walked
	Key       string // slash-separated path relative to the source dir, mirrored into the sink
}

// Status is the terminal state of a FileTask.
type Status int

const (
	StatusCommitted Status = iota + 1 // transformed and published
	StatusSkipped                     // output already existed
	StatusFailed                      // transform failed, artifacts removed
	StatusCancelled                   // job cancelled mid-file, artifacts removed
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FileResult is returned from workers to the aggregator.
type FileResult struct {
	Task     FileTask
	Status   Status
	Records  int64 // records written; only meaningful when committed
	Duration time.Duration
	Err      error
}

// Summary aggregates the results of one Run.
type Summary struct {
	RunID       string
	Discovered  int
	Transformed int
	Skipped     int
	Failed      int
	Cancelled   int
	Records     int64
	Duration    time.Duration
	Failures    map[string]error // input path → error
}

func (s *Summary) add(res FileResult) {
	switch res.Status {
	case StatusCommitted:
		s.Transformed++
		s.Records += res.Records
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
		if s.Failures == nil {
			s.Failures = make(map[string]error)
		}
		s.Failures[res.Task.InputPath] = res.Err
	case StatusCancelled:
		s.Cancelled++
	}
}

// Processed is the number of files that reached Committed or Skipped.
func (s Summary) Processed() int {
	return s.Transformed + s.Skipped
}
