package supervisor

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter is wrapped by every rejected control value.
var ErrInvalidParameter = errors.New("invalid parameter")

// ParameterError reports a control value outside its valid range. The
// supervisor state is left unchanged.
type ParameterError struct {
	Name  string
	Value any
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%v: %s = %v", ErrInvalidParameter, e.Name, e.Value)
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameter }

func checkUnit(name string, p float64) error {
	if !(p >= 0 && p <= 1) {
		return &ParameterError{Name: name, Value: p}
	}
	return nil
}
