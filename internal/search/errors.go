package search

import (
	"errors"
	"fmt"
)

// InvalidParameterError reports a query that names an unknown parameter,
// an unsupported modifier or a malformed value.
type InvalidParameterError struct {
	ResourceType string
	Name         string
	Message      string
}

// Error implements the error interface.
func (e *InvalidParameterError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Search parameter '%s' for resource type '%s' was not found.", e.Name, e.ResourceType)
}

// IsInvalidParameter reports whether err is an InvalidParameterError.
func IsInvalidParameter(err error) bool {
	var ip *InvalidParameterError
	return errors.As(err, &ip)
}
