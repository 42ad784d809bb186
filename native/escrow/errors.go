package escrow

// Kind classifies a rejected operation. Every violation aborts the whole call
// with no partial state change; the kind tells callers which ledger rule was
// broken while the message carries the exact surface text observers match on.
type Kind uint8

const (
	KindInvalidParties Kind = iota + 1
	KindInvalidAmount
	KindInvalidExpiration
	KindNotAuthorized
	KindInvalidState
	KindNotFound
	KindFeeTooHigh
)

// RevertError is the error type returned for every ledger-rule violation.
// The message is part of the compatibility surface and must not be reworded.
type RevertError struct {
	Kind    Kind
	Message string
}

func (e *RevertError) Error() string { return e.Message }

// Is matches another RevertError by kind, so errors.Is(err, ErrNotAuthorized)
// holds for any authorization failure regardless of the operation message.
func (e *RevertError) Is(target error) bool {
	t, ok := target.(*RevertError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Sentinel values for errors.Is checks against the rejection taxonomy.
var (
	ErrInvalidParties    = &RevertError{Kind: KindInvalidParties}
	ErrInvalidAmount     = &RevertError{Kind: KindInvalidAmount}
	ErrInvalidExpiration = &RevertError{Kind: KindInvalidExpiration}
	ErrNotAuthorized     = &RevertError{Kind: KindNotAuthorized}
	ErrInvalidState      = &RevertError{Kind: KindInvalidState}
	ErrNotFound          = &RevertError{Kind: KindNotFound}
	ErrFeeTooHigh        = &RevertError{Kind: KindFeeTooHigh}
)

func revert(kind Kind, message string) error {
	return &RevertError{Kind: kind, Message: message}
}
