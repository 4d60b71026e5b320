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

package pool

import "fmt"

// PoolError is the base of the pool error kinds.
type PoolError struct {
	msg string
}

func (e *PoolError) Error() string { return e.msg }

// PoolTimeout is returned when no connection became available within the
// requested timeout.
type PoolTimeout struct{ PoolError }

// PoolClosed is returned when an operation is attempted on a closed (or
// not yet opened) pool.
type PoolClosed struct{ PoolError }

// TooManyRequests is returned when the waiting queue is full.
type TooManyRequests struct{ PoolError }

func newPoolTimeout(format string, a ...any) *PoolTimeout {
	return &PoolTimeout{PoolError{fmt.Sprintf(format, a...)}}
}

func newPoolClosed(format string, a ...any) *PoolClosed {
	return &PoolClosed{PoolError{fmt.Sprintf(format, a...)}}
}

func newTooManyRequests(format string, a ...any) *TooManyRequests {
	return &TooManyRequests{PoolError{fmt.Sprintf(format, a...)}}
}
