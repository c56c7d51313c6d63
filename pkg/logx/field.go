package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field writes one key into an event. Later fields with the same key win in
// the console writer; JSON sinks keep duplicates.
type Field func(e *zerolog.Event)

func field[T any](key string, v T, put func(*zerolog.Event, string, T) *zerolog.Event) Field {
	return func(e *zerolog.Event) { put(e, key, v) }
}

func String(k, v string) Field                 { return field(k, v, (*zerolog.Event).Str) }
func Strings(k string, v []string) Field       { return field(k, v, (*zerolog.Event).Strs) }
func Int(k string, v int) Field                { return field(k, v, (*zerolog.Event).Int) }
func Int64(k string, v int64) Field            { return field(k, v, (*zerolog.Event).Int64) }
func Uint64(k string, v uint64) Field          { return field(k, v, (*zerolog.Event).Uint64) }
func Bool(k string, v bool) Field              { return field(k, v, (*zerolog.Event).Bool) }
func Float64(k string, v float64) Field        { return field(k, v, (*zerolog.Event).Float64) }
func Duration(k string, v time.Duration) Field { return field(k, v, (*zerolog.Event).Dur) }
func Time(k string, v time.Time) Field         { return field(k, v, (*zerolog.Event).Time) }
func Any(k string, v any) Field                { return field(k, v, (*zerolog.Event).Interface) }

// Comp tags the emitting component.
func Comp(name string) Field { return String("comp", name) }

// JobID and Target are the keys every dispatch log line is searched by.
func JobID(id string) Field  { return String("job_id", id) }
func Target(id string) Field { return String("target", id) }

// Err attaches err under "err"; nil adds nothing.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// Stack attaches a goroutine dump; blank input adds nothing.
func Stack(stack string) Field {
	if strings.TrimSpace(stack) == "" {
		return nil
	}
	return String("stack", stack)
}
