package portfolio

import (
	"errors"
	"fmt"

	"github.com/mbd888/loanmanager/internal/accrual"
)

// Sentinel errors. Callers match with errors.Is.
var (
	ErrNotAuthorized = errors.New("portfolio: caller is not authorized")
	ErrNotLoan       = errors.New("portfolio: caller is not the loan")
	ErrInvalidLoan   = errors.New("portfolio: invalid loan")
	ErrNotFound      = errors.New("portfolio: loan not found")

	ErrArithmeticOverflow  = accrual.ErrOverflow
	ErrArithmeticUnderflow = accrual.ErrUnderflow

	// ErrInvalidState is returned when a loan's status does not allow the
	// operation. ErrClockRegression is returned when a call is made with a
	// time before the ledger's domain start.
	ErrInvalidState    = fmt.Errorf("%w: operation not allowed in current status", ErrInvalidLoan)
	ErrClockRegression = fmt.Errorf("%w: time before domain start", ErrInvalidLoan)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidLoan}, args...)...)
}
