package types

import "fmt"

// TimeoutError is returned when a device does not answer in time.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return "timeout"
	}
	return fmt.Sprintf("%s: timeout", e.Op)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// BusyError is returned when a device refuses a request because it is
// still processing the previous one.
type BusyError struct {
	Op string
}

func (e *BusyError) Error() string {
	if e.Op == "" {
		return "busy"
	}
	return fmt.Sprintf("%s: busy", e.Op)
}
