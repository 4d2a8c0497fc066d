package services

import (
	"errors"
	"fmt"

	"github.com/tradelane/api/internal/repositories"
)

var (
	// ErrInvalidInput indicates the caller supplied a payload with a wrong shape or type.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDraftNotFound covers both missing drafts and drafts owned by another user.
	ErrDraftNotFound = errors.New("draft: not found")
	// ErrDraftInvalidTab indicates an unknown listing tab.
	ErrDraftInvalidTab = errors.New("draft: invalid tab")
	// ErrRecordNotFound covers missing or foreign history records.
	ErrRecordNotFound = errors.New("record: not found")
	// ErrUnresolvableLocation indicates a place name could not be mapped to a supported location.
	ErrUnresolvableLocation = errors.New("unresolvable location")
	// ErrMalformedAIResponse indicates no JSON value could be extracted from a model response.
	ErrMalformedAIResponse = errors.New("malformed ai response")
	// ErrInvalidAIResponse indicates the model response could not be turned into a valid result.
	ErrInvalidAIResponse = errors.New("invalid ai response")
	// ErrUpstreamUnavailable indicates an external collaborator call failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStorageFault indicates the document store rejected or failed an operation.
	ErrStorageFault = errors.New("storage fault")
)

// storageError maps repository failures to the service taxonomy. notFound is returned for
// missing documents so each caller can pick its own not-found sentinel.
func storageError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repositories.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() && notFound != nil {
		return fmt.Errorf("%w: %v", notFound, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageFault, err)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
