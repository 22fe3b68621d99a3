package traderr

import "errors"

// Category names the field an API boundary should attach the message
// to. Expected failures of every mutating operation are one of these;
// anything else is an internal error.
type Category string

const (
	CategoryBadRequest   Category = "bad_request"
	CategoryBadStatement Category = "bad_statement"
	CategoryBadInvoice   Category = "bad_invoice"
	CategoryBadAddress   Category = "bad_address"
	CategoryBadSummary   Category = "bad_summary"
)

type tradeError struct {
	category Category
	message  string
}

func (err *tradeError) Error() string {
	return err.message
}

func NewBadRequestError(message string) error {
	return &tradeError{category: CategoryBadRequest, message: message}
}

func NewBadStatementError(message string) error {
	return &tradeError{category: CategoryBadStatement, message: message}
}

func NewBadInvoiceError(message string) error {
	return &tradeError{category: CategoryBadInvoice, message: message}
}

func NewBadAddressError(message string) error {
	return &tradeError{category: CategoryBadAddress, message: message}
}

func NewBadSummaryError(message string) error {
	return &tradeError{category: CategoryBadSummary, message: message}
}

// CategoryOf reports the trade error category of err, if it has one.
func CategoryOf(err error) (Category, bool) {
	var te *tradeError
	if errors.As(err, &te) {
		return te.category, true
	}
	return "", false
}

func IsBadRequest(err error) bool {
	c, ok := CategoryOf(err)
	return ok && c == CategoryBadRequest
}

func IsBadInvoice(err error) bool {
	c, ok := CategoryOf(err)
	return ok && c == CategoryBadInvoice
}
