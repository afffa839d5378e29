package model

// ErrorKind classifies a domain error for callers such as the HTTP layer.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindNotFound
	KindConflict
)

// Error is a recoverable domain error. Operations that return one have not
// mutated any state.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

var (
	ErrInvalidSide = &Error{Kind: KindValidation, Code: "INVALID_SIDE", Msg: "side must be YES or NO"}

	ErrInvalidAmount = &Error{Kind: KindValidation, Code: "INVALID_AMOUNT", Msg: "amount must be positive"}

	// ErrInsufficientFunds shares the INVALID_AMOUNT code: an amount over the
	// balance is a bad amount from the caller's point of view.
	ErrInsufficientFunds = &Error{Kind: KindValidation, Code: "INVALID_AMOUNT", Msg: "amount exceeds balance"}

	ErrInvalidUser = &Error{Kind: KindValidation, Code: "INVALID_USER", Msg: "invalid registration details"}

	ErrInvalidCredentials = &Error{Kind: KindValidation, Code: "INVALID_CREDENTIALS", Msg: "invalid username or password"}

	ErrMarketNotFound = &Error{Kind: KindNotFound, Code: "MARKET_NOT_FOUND", Msg: "market not found"}

	ErrPositionNotFound = &Error{Kind: KindNotFound, Code: "POSITION_NOT_FOUND", Msg: "position not found"}

	ErrUserNotFound = &Error{Kind: KindNotFound, Code: "USER_NOT_FOUND", Msg: "user not found"}

	ErrDuplicateUser = &Error{Kind: KindConflict, Code: "DUPLICATE_USER", Msg: "username or email already registered"}

	ErrDuplicateMarket = &Error{Kind: KindConflict, Code: "DUPLICATE_MARKET", Msg: "market already exists"}
)
