package debug

import (
	"fmt"
	"runtime"
)

// Assert panics with the caller's location when truth is false. It guards
// programmer invariants only (encoded sizes and the like), never input coming
// off the network.
//
// NOTE: originally taken from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}
	fail(fmt.Sprintf("assertion failed(%s)", msg))
}

// Assertf is Assert with a formatted message.
func Assertf(truth bool, format string, args ...any) {
	if truth {
		return
	}
	fail("assertion failed: " + fmt.Sprintf(format, args...))
}

func fail(msg string) {
	// skip fail and Assert/Assertf so the location points at the call site.
	// due to panic recovery it is otherwise buried in the middle of the
	// panicking stack.
	if _, file, line, ok := runtime.Caller(2); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
