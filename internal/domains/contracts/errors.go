package contracts

import (
	"errors"
	"strings"
)

var (
	ErrNotConnected     = errors.New("peer is not connected")
	ErrTimeout          = errors.New("delivery acknowledgement timed out")
	ErrPayloadTooLarge  = errors.New("payload exceeds relay size ceiling")
	ErrDecodeFailure    = errors.New("relay payload could not be decoded")
	ErrNotFound         = errors.New("not found")
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
	ErrCancelled        = errors.New("delivery cancelled")
	ErrSendRejected     = errors.New("transport rejected message")
	ErrDuplicate        = errors.New("duplicate message id")
)

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryCrypto  = "crypto"
	ErrorCategoryStorage = "storage"
	ErrorCategoryNetwork = "network"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryCrypto:
		return ErrorCategoryCrypto
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	default:
		return ErrorCategoryAPI
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

// ErrorCategory classifies err. Taxonomy sentinels map to their natural
// category when err was never explicitly wrapped.
func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrTimeout), errors.Is(err, ErrSendRejected):
		return ErrorCategoryNetwork
	case errors.Is(err, ErrDecodeFailure):
		return ErrorCategoryCrypto
	}
	return ErrorCategoryAPI
}

// IsRetryable reports whether a failed delivery attempt may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrSendRejected)
}
