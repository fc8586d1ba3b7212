package errs

import "github.com/pkg/errors"

// one sentinel per failure category; call sites wrap with context
var (
	ErrUnrecognizedLayout   = errors.New("unrecognized index layout")
	ErrCorruptWrapper       = errors.New("corrupt payload wrapper")
	ErrShortRead            = errors.New("short read from data file")
	ErrUnexpectedEndOfChain = errors.New("unexpected end of block chain")
	ErrInvalidStartBlock    = errors.New("invalid start block")
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrCycleInStringChain   = errors.New("cycle in string record chain")
	ErrInconsistentArchive  = errors.New("inconsistent archive")
	ErrCapacityExceeded     = errors.New("channel capacity exceeded")
	ErrVerificationFailed   = errors.New("verification failed")
)

// Panic if err is not nil
func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

// CondPanic panics with err when condition holds
func CondPanic(condition bool, err error) {
	if condition {
		Panic(err)
	}
}
