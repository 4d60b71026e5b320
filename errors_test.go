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
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/pgline/adapt"
	"github.com/apecloud/pgline/wire"
)

// errorResult builds a FATAL_ERROR result with the constructor the message
// pump uses.
func errorResult(t *testing.T, code, message string) *wire.Result {
	t.Helper()
	er := &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  message,
		Detail:   "some detail",
		TableName: "tbl",
	}
	return wire.NewErrorResult(er)
}

func TestErrorClassBySQLState(t *testing.T) {
	tests := []struct {
		code string
		want any
	}{
		{"22012", &DataError{}},
		{"23505", &IntegrityError{}},
		{"0A000", &NotSupportedError{}},
		{"08006", &OperationalError{}},
		{"57014", &OperationalError{}},
		{"XX000", &InternalError{}},
		{"42601", &ProgrammingError{}},
		{"P0001", &ProgrammingError{}},
		{"99999", &DatabaseError{}},
	}
	ctx := adapt.NewContext()
	for _, tt := range tests {
		err := errorFromResult(errorResult(t, tt.code, "boom"), ctx)
		switch want := tt.want.(type) {
		case *DataError:
			var e *DataError
			assert.True(t, errors.As(err, &e), tt.code)
		case *IntegrityError:
			var e *IntegrityError
			assert.True(t, errors.As(err, &e), tt.code)
		case *NotSupportedError:
			var e *NotSupportedError
			assert.True(t, errors.As(err, &e), tt.code)
		case *OperationalError:
			var e *OperationalError
			assert.True(t, errors.As(err, &e), tt.code)
		case *InternalError:
			var e *InternalError
			assert.True(t, errors.As(err, &e), tt.code)
		case *ProgrammingError:
			var e *ProgrammingError
			assert.True(t, errors.As(err, &e), tt.code)
		case *DatabaseError:
			var e *DatabaseError
			assert.True(t, errors.As(err, &e), tt.code)
		default:
			t.Fatalf("unhandled case %T", want)
		}
	}
}

func TestDiagnosticFields(t *testing.T) {
	err := errorFromResult(errorResult(t, "23505", "duplicate key"), adapt.NewContext())
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	require.NotNil(t, ie.Diag)
	assert.Equal(t, "23505", ie.Diag.SQLState)
	assert.Equal(t, "duplicate key", ie.Diag.MessagePrimary)
	assert.Equal(t, "some detail", ie.Diag.MessageDetail)
	assert.Equal(t, "tbl", ie.Diag.TableName)
	assert.Equal(t, "ERROR", ie.Diag.Severity)
	assert.Equal(t, "23505", ie.SQLState())
}

func TestIsQueryCanceled(t *testing.T) {
	err := errorFromResult(errorResult(t, "57014", "canceling statement due to user request"), adapt.NewContext())
	assert.True(t, IsQueryCanceled(err))
	err = errorFromResult(errorResult(t, "42601", "syntax error"), adapt.NewContext())
	assert.False(t, IsQueryCanceled(err))
	assert.False(t, IsQueryCanceled(errors.New("plain")))
}
