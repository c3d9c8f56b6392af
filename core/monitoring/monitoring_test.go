package monitoring

import (
	"errors"
	"testing"
	"time"
)

type recorder struct {
	errs   []error
	tags   []map[string]string
	panics []any
	flush  int
}

func (r *recorder) CaptureException(err error, tags map[string]string) {
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}
func (r *recorder) CapturePanic(v any)  { r.panics = append(r.panics, v) }
func (r *recorder) Flush(time.Duration) { r.flush++ }

func TestCaptureException(t *testing.T) {
	rec := &recorder{}
	Init(rec)
	defer Init(NopMonitor{})

	CaptureException(nil, nil)
	CaptureException(errors.New("boom"), map[string]string{"module": "test"})
	if len(rec.errs) != 1 || rec.tags[0]["module"] != "test" {
		t.Fatalf("unexpected capture %#v", rec)
	}
	Init(nil)
	CaptureException(errors.New("still recorded"), nil)
	if len(rec.errs) != 2 {
		t.Fatalf("nil Init replaced the monitor")
	}
}

func TestRecoverReportsAndRepanics(t *testing.T) {
	rec := &recorder{}
	Init(rec)
	defer Init(NopMonitor{})

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("panic not propagated: %v", r)
			}
		}()
		defer Recover()
		panic("kaboom")
	}()
	if len(rec.panics) != 1 || rec.flush != 1 {
		t.Fatalf("panic not reported %#v", rec)
	}
}
