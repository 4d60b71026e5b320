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

package wire

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Field is the metadata of one result column.
type Field struct {
	Name     []byte
	TableOID uint32
	Column   uint16
	TypeOID  uint32
	Size     int16
	Modifier int32
	Format   Format
}

// Result holds one server result: row values, column metadata, the command
// tag, and error diagnostics. Values are borrowed slices into the receive
// buffer copy; they stay valid until the result is dropped.
type Result struct {
	Status ExecStatus

	fields []Field
	rows   [][][]byte // rows[i][j] is nil for NULL
	tag    string
	diag   map[byte]string
}

func newFieldList(desc []pgproto3.FieldDescription) []Field {
	fields := make([]Field, len(desc))
	for i, fd := range desc {
		fields[i] = Field{
			Name:     append([]byte(nil), fd.Name...),
			TableOID: fd.TableOID,
			Column:   fd.TableAttributeNumber,
			TypeOID:  fd.DataTypeOID,
			Size:     fd.DataTypeSize,
			Modifier: fd.TypeModifier,
			Format:   Format(fd.Format),
		}
	}
	return fields
}

func newErrorResult(status ExecStatus, er *pgproto3.ErrorResponse) *Result {
	diag := map[byte]string{
		DiagSeverity:       er.Severity,
		DiagSeverityNonLoc: er.SeverityUnlocalized,
		DiagSQLState:       er.Code,
		DiagMessagePrimary: er.Message,
		DiagMessageDetail:  er.Detail,
		DiagMessageHint:    er.Hint,
		DiagInternalQuery:  er.InternalQuery,
		DiagContext:        er.Where,
		DiagSchemaName:     er.SchemaName,
		DiagTableName:      er.TableName,
		DiagColumnName:     er.ColumnName,
		DiagDatatypeName:   er.DataTypeName,
		DiagConstraintName: er.ConstraintName,
		DiagSourceFile:     er.File,
		DiagSourceFunction: er.Routine,
	}
	if er.Position != 0 {
		diag[DiagStatementPos] = strconv.Itoa(int(er.Position))
	}
	if er.InternalPosition != 0 {
		diag[DiagInternalPos] = strconv.Itoa(int(er.InternalPosition))
	}
	if er.Line != 0 {
		diag[DiagSourceLine] = strconv.Itoa(int(er.Line))
	}
	for k, v := range er.UnknownFields {
		diag[k] = v
	}
	for k, v := range diag {
		if v == "" {
			delete(diag, k)
		}
	}
	return &Result{Status: status, diag: diag}
}

// NewErrorResult builds a FATAL_ERROR result from a decoded ErrorResponse
// message, as the message pump would.
func NewErrorResult(er *pgproto3.ErrorResponse) *Result {
	return newErrorResult(FatalError, er)
}

// NTuples is the number of rows in the result.
func (r *Result) NTuples() int { return len(r.rows) }

// NFields is the number of columns in the result.
func (r *Result) NFields() int { return len(r.fields) }

// Fields returns the column metadata.
func (r *Result) Fields() []Field { return r.fields }

// Value returns the raw bytes of the cell at (row, col) and whether it is
// NULL. The bytes must not be modified.
func (r *Result) Value(row, col int) (data []byte, null bool) {
	v := r.rows[row][col]
	if v == nil {
		return nil, true
	}
	return v, false
}

// CommandTag is the tag of the completed command, e.g. "INSERT 0 2".
func (r *Result) CommandTag() string { return r.tag }

// CommandTuples returns the number of rows affected by the command, or -1
// if the tag carries no count.
func (r *Result) CommandTuples() int {
	if r.tag == "" {
		return -1
	}
	parts := strings.Fields(r.tag)
	if len(parts) < 2 {
		return -1
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return -1
	}
	return n
}

// ErrorField returns a diagnostic field of an error or notice result,
// or "" if absent.
func (r *Result) ErrorField(code byte) string {
	if r.diag == nil {
		return ""
	}
	return r.diag[code]
}

// ErrorMessage is the primary diagnostic message, with severity prefix,
// matching what the native library would print.
func (r *Result) ErrorMessage() string {
	if r.diag == nil {
		return ""
	}
	sev := r.diag[DiagSeverity]
	msg := r.diag[DiagMessagePrimary]
	if sev == "" {
		return msg
	}
	return sev + ":  " + msg
}

// Notify is an asynchronous notification received on a connection.
type Notify struct {
	Channel string
	Payload string
	PID     uint32
}
