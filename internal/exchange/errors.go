package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// Binance error codes the engine reacts to.
const (
	CodeClockSkew           = -1021
	CodeTooManyRequests     = -1003
	CodeTooManyOrders       = -1015
	CodeInvalidOrder        = -1013
	CodeInvalidSymbol       = -1121
	CodeInsufficientBalance = -2010
	CodeUnknownOrder        = -2011
	CodeBadCredentials      = -2015
)

// APIError is a typed Binance API failure.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Message)
}

// normalizeError converts go-binance errors into *APIError, leaving
// network and context errors untouched.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

// AsAPIError extracts the typed API error, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func hasCode(err error, code int64) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// IsTransient classifies failures worth retrying: clock skew, rate
// limiting, order-rate pressure, and anything that is not an API error
// (network-level trouble). Unknown API codes are treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apiErr, ok := AsAPIError(err); ok {
		switch apiErr.Code {
		case CodeClockSkew, CodeTooManyRequests, CodeTooManyOrders:
			return true
		default:
			return false
		}
	}
	return true
}

func IsClockSkew(err error) bool { return hasCode(err, CodeClockSkew) }

func IsInsufficientBalance(err error) bool { return hasCode(err, CodeInsufficientBalance) }

func IsInvalidOrder(err error) bool { return hasCode(err, CodeInvalidOrder) }

func IsUnknownOrder(err error) bool { return hasCode(err, CodeUnknownOrder) }
