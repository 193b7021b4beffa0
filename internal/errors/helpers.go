package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewAuthError creates an authentication error. Fatal to the realtime session.
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed, please sign in again")
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeNetwork, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Network unavailable")
}

// NewConnectionLostError is raised once reconnection attempts are exhausted.
func NewConnectionLostError(attempts int, err error) *AppError {
	return WrapRetryable(err, ErrCodeConnectionLost, fmt.Sprintf("connection lost after %d reconnect attempts", attempts)).
		WithContext("attempts", attempts).
		WithUserMessage("Connection lost, retrying on next action")
}

// NewSendTimeoutError marks a send that got no acknowledgement in time.
func NewSendTimeoutError(clientTempID string, timeout time.Duration) *AppError {
	return New(ErrCodeSendTimeout, fmt.Sprintf("no acknowledgement within %s", timeout)).
		WithContext("client_temp_id", clientTempID).
		WithContext("timeout", timeout.String()).
		WithUserMessage("Message not sent, tap to retry")
}

// NewSendRejectedError marks a send the server explicitly refused.
func NewSendRejectedError(clientTempID, reason string) *AppError {
	return New(ErrCodeSendRejected, "message rejected by server").
		WithContext("client_temp_id", clientTempID).
		WithContext("reason", reason).
		WithUserMessage("Message not sent, tap to retry")
}

// NewAPIError creates an API error for admin backend calls
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	code := ErrCodeAdminAPI
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		code = ErrCodeAuthentication
	}

	appErr := Wrap(err, code, "admin API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	// Determine if error is retryable based on status code
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout {
		appErr.Retryable = true
	}
	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout, ErrCodeSendTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeNetwork, ErrCodeConnectionLost:
		return http.StatusServiceUnavailable
	case ErrCodeAdminAPI, ErrCodeNotificationFeed, ErrCodeSendRejected:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body returned by the control API on failure.
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error) HTTPErrorResponse {
	var response HTTPErrorResponse

	if appErr, ok := As(err); ok {
		response.Error.Code = appErr.Code
		response.Error.Message = GetUserMessage(err)
		if len(appErr.Context) > 0 {
			publicContext := make(map[string]interface{})
			for k, v := range appErr.Context {
				if k != "password" && k != "token" && k != "secret" {
					publicContext[k] = v
				}
			}
			if len(publicContext) > 0 {
				response.Error.Context = publicContext
			}
		}
	} else {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
	}

	return response
}
