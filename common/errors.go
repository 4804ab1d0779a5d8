package common

import (
	"errors"
	"fmt"
)

// Sentinel errors outside the ErrorCode taxonomy. They never cross the
// UI boundary as codes; ToErrorCode maps them to Unexpected.
var (
	ErrAlreadyConnected = errors.New("tunnel already active")
	ErrCancelled        = errors.New("connect cancelled by disconnect")
	ErrNoConfigs        = errors.New("no session configs available")

	ErrCredentialsNotFound = errors.New("access key not found")
	ErrEncryption          = errors.New("encrypting credentials file")
	ErrDecryption          = errors.New("decrypting credentials file")

	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError prefixes err with message, keeping it matchable with
// errors.Is and errors.As. A nil err stays nil.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
