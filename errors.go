// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgline

import (
	"fmt"

	"github.com/apecloud/pgline/adapt"
	"github.com/apecloud/pgline/wire"
)

// Diagnostic is the structured view over a server error or notice. Fields
// are decoded with the connection's client encoding; absent fields are
// empty strings.
type Diagnostic struct {
	Severity          string
	SQLState          string
	MessagePrimary    string
	MessageDetail     string
	MessageHint       string
	StatementPosition string
	InternalPosition  string
	InternalQuery     string
	Context           string
	SchemaName        string
	TableName         string
	ColumnName        string
	DatatypeName      string
	ConstraintName    string
	SourceFile        string
	SourceLine        string
	SourceFunction    string
}

func diagnosticFromResult(res *wire.Result, ctx *adapt.Context) *Diagnostic {
	get := func(code byte) string {
		raw := res.ErrorField(code)
		if raw == "" {
			return ""
		}
		s, err := ctx.DecodeText([]byte(raw))
		if err != nil {
			return raw
		}
		return s
	}
	return &Diagnostic{
		Severity:          get(wire.DiagSeverity),
		SQLState:          get(wire.DiagSQLState),
		MessagePrimary:    get(wire.DiagMessagePrimary),
		MessageDetail:     get(wire.DiagMessageDetail),
		MessageHint:       get(wire.DiagMessageHint),
		StatementPosition: get(wire.DiagStatementPos),
		InternalPosition:  get(wire.DiagInternalPos),
		InternalQuery:     get(wire.DiagInternalQuery),
		Context:           get(wire.DiagContext),
		SchemaName:        get(wire.DiagSchemaName),
		TableName:         get(wire.DiagTableName),
		ColumnName:        get(wire.DiagColumnName),
		DatatypeName:      get(wire.DiagDatatypeName),
		ConstraintName:    get(wire.DiagConstraintName),
		SourceFile:        get(wire.DiagSourceFile),
		SourceLine:        get(wire.DiagSourceLine),
		SourceFunction:    get(wire.DiagSourceFunction),
	}
}

// errBase is the base of the error taxonomy. Server-originated errors carry
// a Diagnostic and the SQLSTATE code; client-side errors carry neither.
type errBase struct {
	Message string
	Diag    *Diagnostic
	Code    string
}

func (e *errBase) Error() string { return e.Message }

// SQLState returns the five-character error code, or "" for client-side
// errors.
func (e *errBase) SQLState() string { return e.Code }

// InterfaceError reports client-side misuse of the library API surface,
// like fetching with no result available.
type InterfaceError struct{ errBase }

// DatabaseError is the base of all server-originated errors.
type DatabaseError struct{ errBase }

// DataError reports problems with the processed data (SQLSTATE class 22).
type DataError struct{ DatabaseError }

// OperationalError reports errors related to the database operation:
// connection loss, resource exhaustion, server shutdown.
type OperationalError struct{ DatabaseError }

// IntegrityError reports constraint violations (SQLSTATE class 23).
type IntegrityError struct{ DatabaseError }

// InternalError reports server internal errors and client-side broken
// invariants.
type InternalError struct{ DatabaseError }

// ProgrammingError reports mistakes in the program: bad SQL, mismatched
// placeholders, API misuse.
type ProgrammingError struct{ DatabaseError }

// NotSupportedError reports use of a feature the server does not support
// (SQLSTATE class 0A).
type NotSupportedError struct{ DatabaseError }

// SQLState constants for errors with dedicated handling.
const (
	sqlstateQueryCanceled = "57014"
)

// IsQueryCanceled reports whether err is the server's reaction to a
// cancel request.
func IsQueryCanceled(err error) bool {
	type coder interface{ SQLState() string }
	if c, ok := err.(coder); ok {
		return c.SQLState() == sqlstateQueryCanceled
	}
	return false
}

func newInterfaceError(format string, a ...any) *InterfaceError {
	return &InterfaceError{errBase{Message: fmt.Sprintf(format, a...)}}
}

func newOperationalError(format string, a ...any) *OperationalError {
	return &OperationalError{DatabaseError{errBase{Message: fmt.Sprintf(format, a...)}}}
}

func newProgrammingError(format string, a ...any) *ProgrammingError {
	return &ProgrammingError{DatabaseError{errBase{Message: fmt.Sprintf(format, a...)}}}
}

func newInternalError(format string, a ...any) *InternalError {
	return &InternalError{DatabaseError{errBase{Message: fmt.Sprintf(format, a...)}}}
}

func newNotSupportedError(format string, a ...any) *NotSupportedError {
	return &NotSupportedError{DatabaseError{errBase{Message: fmt.Sprintf(format, a...)}}}
}

// errorFromResult translates a FATAL_ERROR result into the taxonomy class
// matching its SQLSTATE.
func errorFromResult(res *wire.Result, ctx *adapt.Context) error {
	diag := diagnosticFromResult(res, ctx)
	base := errBase{Message: res.ErrorMessage(), Diag: diag, Code: diag.SQLState}
	db := DatabaseError{base}

	class := ""
	if len(diag.SQLState) >= 2 {
		class = diag.SQLState[:2]
	}
	switch class {
	case "22":
		return &DataError{db}
	case "23":
		return &IntegrityError{db}
	case "0A":
		return &NotSupportedError{db}
	case "08", "53", "54", "55", "57", "58", "F0":
		return &OperationalError{db}
	case "XX", "24", "25":
		return &InternalError{db}
	case "42", "26", "34", "3D", "3F", "44", "P0":
		return &ProgrammingError{db}
	}
	return &db
}
