package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// Этапы генерации, используемые в GenerationFailure.Op
const (
	OpValidate = "validate"
	OpLoad     = "load"
	OpGenerate = "generate"
	OpResize   = "resize"
	OpSave     = "save"
	OpVerify   = "verify"
)

// GenerationFailure - единственный тип ошибки генерации. Op нужен только для
// логов и метрик, вызывающий обрабатывает все ошибки одинаково.
type GenerationFailure struct {
	Op      string
	Message string
	Err     error
}

func newFailure(op, message string, cause error) *GenerationFailure {
	if cause == nil {
		cause = errors.New(message)
	} else {
		cause = errors.WithStack(cause)
	}
	return &GenerationFailure{Op: op, Message: message, Err: cause}
}

func (f *GenerationFailure) Error() string {
	if f.Err == nil || f.Err.Error() == f.Message {
		return f.Message
	}
	return fmt.Sprintf("%s: %v", f.Message, f.Err)
}

func (f *GenerationFailure) Unwrap() error {
	return f.Err
}

// Trace возвращает описание ошибки со стеком вызовов
func (f *GenerationFailure) Trace() string {
	return fmt.Sprintf("%+v", f.Err)
}
