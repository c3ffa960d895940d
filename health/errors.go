package health

import "strings"

// UnreachableError lists the targets that failed their last check
type UnreachableError struct {
	Targets []string
}

func (e *UnreachableError) Error() string {
	return "unreachable: " + strings.Join(e.Targets, ", ")
}
