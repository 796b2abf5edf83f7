package util

import (
	"fmt"
	"time"
)

// AssertNotNil panics with message when val is nil. Builders use it to
// reject programmer errors at construction time.
func AssertNotNil(val interface{}, message string) {
	if val == nil {
		panic(message)
	}
}

// AssertNotEmpty checks that the provided string is not empty.
// If the string is empty, it panics with the provided message.
func AssertNotEmpty(val string, message string) {
	if val == "" {
		panic(message)
	}
}

// AssertPositive panics when d is not a positive duration.
func AssertPositive(d time.Duration, message string) {
	if d <= 0 {
		panic(fmt.Sprintf("%s: %s must be positive", message, d))
	}
}
