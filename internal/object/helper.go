package object

import (
	"bytes"
	"errors"
	"fmt"
	"rash/internal/util"
)

// RenderError formats err for the terminal. Evaluation errors get the source lines around their
// position (when src is available) and the stack trace; other errors render as-is.
func RenderError(err error, src string) string {
	var evalErr *Error
	if !errors.As(err, &evalErr) {
		return err.Error()
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "RuntimeError: %s\n", evalErr.Error())

	if src != "" && evalErr.Pos.IsValid() {
		buf.WriteString("\n")
		buf.WriteString(util.GetContextLines(src, evalErr.Pos.Line, evalErr.Pos.Column))
		buf.WriteString("\n")
	}

	if len(evalErr.Stack) > 0 {
		fmt.Fprintf(&buf, "\nStack trace: %s", evalErr.Message)
		buf.WriteString(evalErr.StackTrace())
	}

	if evalErr.Cause != nil {
		fmt.Fprintf(&buf, "\nCaused by: %v", evalErr.Cause)
	}

	return buf.String()
}
