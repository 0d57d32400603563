package order

import "errors"

// Error taxonomy shared by every settlement backend. Callers classify with errors.Is;
// backends add context with fmt.Errorf("%w: ...").
var (
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientPosition  = errors.New("insufficient position")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInvalidState          = errors.New("invalid state")
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	ErrExternalServiceError  = errors.New("external service error")
)

// Kind returns the taxonomy sentinel err wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, k := range []error{
		ErrNotFound, ErrUnauthorized, ErrInsufficientFunds, ErrInsufficientPosition,
		ErrInvalidArgument, ErrInvalidState, ErrMarketDataUnavailable, ErrExternalServiceError,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
