// Package fault classifies the errors that cross component boundaries so
// callers can branch on what happened without matching on messages.
package fault

import (
	"errors"
	"fmt"
)

// Class is the classification of a fault.
type Class string

const (
	// ClassNotFound means the addressed object does not exist. Absence is an
	// outcome, not a failure: the driver treats it as drift and the API as 404.
	ClassNotFound Class = "not_found"

	// ClassConflict indicates an optimistic concurrency failure.
	ClassConflict Class = "conflict"

	// ClassTransient indicates an external call failed for a reason other
	// than absence. The current attempt fails; a later attempt may succeed.
	ClassTransient Class = "transient"

	// ClassConfiguration indicates the engine is not set up to handle the
	// request, e.g. no handler registered for a kind.
	ClassConfiguration Class = "configuration"

	// ClassInvalid indicates a malformed resource or request body.
	ClassInvalid Class = "invalid"
)

// Fault is a classified error with resource and operation context.
type Fault struct {
	Class     Class
	Message   string
	Resource  string
	Operation string
	Err       error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := fmt.Sprintf("[%s] %s", f.Class, f.Message)
	if f.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s", f.Resource)
		if f.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", f.Operation)
		}
		msg += ")"
	} else if f.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", f.Operation)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches another *Fault of the same class.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Class == t.Class
}

// WithResource adds resource context.
func (f *Fault) WithResource(name string) *Fault {
	f.Resource = name
	return f
}

// WithOperation adds operation context.
func (f *Fault) WithOperation(op string) *Fault {
	f.Operation = op
	return f
}

func newFault(class Class, message string, err error) *Fault {
	return &Fault{Class: class, Message: message, Err: err}
}

// NotFound creates a not-found fault.
func NotFound(message string) *Fault {
	return newFault(ClassNotFound, message, nil)
}

// Conflict creates a conflict fault.
func Conflict(message string, err error) *Fault {
	return newFault(ClassConflict, message, err)
}

// Transient creates a transient fault.
func Transient(message string, err error) *Fault {
	return newFault(ClassTransient, message, err)
}

// Configuration creates a configuration fault.
func Configuration(message string, err error) *Fault {
	return newFault(ClassConfiguration, message, err)
}

// Invalid creates an invalid-input fault.
func Invalid(message string, err error) *Fault {
	return newFault(ClassInvalid, message, err)
}

// ClassOf returns the class of the first Fault in err's chain, or "" if none.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return ""
}

// IsNotFound reports whether err is a not-found fault.
func IsNotFound(err error) bool { return ClassOf(err) == ClassNotFound }

// IsConflict reports whether err is a conflict fault.
func IsConflict(err error) bool { return ClassOf(err) == ClassConflict }

// IsTransient reports whether err is a transient fault.
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// IsConfiguration reports whether err is a configuration fault.
func IsConfiguration(err error) bool { return ClassOf(err) == ClassConfiguration }

// IsInvalid reports whether err is an invalid-input fault.
func IsInvalid(err error) bool { return ClassOf(err) == ClassInvalid }
