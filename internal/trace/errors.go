package trace

import "fmt"

// MalformedTraceError reports trace content that cannot be parsed.
type MalformedTraceError struct {
	Line   int
	Reason string
	Err    error
}

func (e *MalformedTraceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed trace at line %d: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed trace at line %d: %s", e.Line, e.Reason)
}

func (e *MalformedTraceError) Unwrap() error {
	return e.Err
}
