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
	"github.com/apecloud/pgline/adapt"
	"github.com/apecloud/pgline/wire"
)

// RowFactory builds the row maker for a result, given its column
// metadata. The default is TupleRow.
type RowFactory func(desc []wire.Field) adapt.RowMaker

// TupleRow returns rows as []any, in column order.
func TupleRow(desc []wire.Field) adapt.RowMaker {
	return func(values []any) any { return values }
}

// DictRow returns rows as map[string]any keyed by column name.
func DictRow(desc []wire.Field) adapt.RowMaker {
	names := make([]string, len(desc))
	for i, f := range desc {
		names[i] = string(f.Name)
	}
	return func(values []any) any {
		row := make(map[string]any, len(values))
		for i, v := range values {
			if i < len(names) {
				row[names[i]] = v
			}
		}
		return row
	}
}
