package errors

import "fmt"

// Convenience functions for common error patterns

// Config errors

func ConfigNotFound(path string) *MasterError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ConfigRequired(field string) *MasterError {
	return New(CategoryConfig, SeverityFatal, "required configuration missing").
		WithContext("field", field)
}

func ValidationFailed(field, reason string) *MasterError {
	return New(CategoryValidation, SeverityFatal, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// FilterShapeInvalid reports a malformed canceller filter entry, naming the
// offending element so configuration errors are actionable.
func FilterShapeInvalid(index int, element any, reason string) *MasterError {
	return New(CategoryValidation, SeverityFatal,
		fmt.Sprintf("canceller filter %d is invalid: %s", index, reason)).
		WithContext("element", fmt.Sprintf("%v", element))
}

// Bus errors

func BusConnectError(url string, cause error) *MasterError {
	return WrapRetryable(cause, CategoryBus, SeverityError, "event bus connection failed").
		WithContext("url", url)
}

func BusPublishError(subject string, cause error) *MasterError {
	return Wrap(cause, CategoryBus, SeverityError, "event publish failed").
		WithContext("subject", subject)
}

// Data layer errors

func ResolveError(buildRequestID int64, cause error) *MasterError {
	return WrapRetryable(cause, CategoryData, SeverityError, "build request resolution failed").
		WithContext("buildrequest_id", buildRequestID)
}

func StoreError(operation string, cause error) *MasterError {
	return Wrap(cause, CategoryData, SeverityFatal, "database operation failed").
		WithContext("operation", operation)
}

// Change source errors

func PollError(source string, cause error) *MasterError {
	return WrapRetryable(cause, CategoryGit, SeverityWarning, "change source poll failed").
		WithContext("source", source)
}

// Daemon errors

func DaemonError(message string) *MasterError {
	return New(CategoryDaemon, SeverityError, message)
}
