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
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// ParseConninfo parses a "key=value key=value" connection string. Values
// may be single-quoted; inside quotes, backslash escapes the next byte.
func ParseConninfo(conninfo string) (map[string]string, error) {
	settings := make(map[string]string)
	s := conninfo
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			return settings, nil
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, errors.Newf("invalid connection string: missing \"=\" after %q", s)
		}
		key := strings.TrimRight(s[:eq], " \t")
		if strings.ContainsAny(key, " \t") {
			return nil, errors.Newf("invalid connection string: invalid key %q", key)
		}
		s = strings.TrimLeft(s[eq+1:], " \t")

		var val strings.Builder
		if strings.HasPrefix(s, "'") {
			s = s[1:]
			closed := false
			for i := 0; i < len(s); i++ {
				switch s[i] {
				case '\\':
					if i+1 >= len(s) {
						return nil, errors.New("invalid connection string: unterminated escape")
					}
					i++
					val.WriteByte(s[i])
				case '\'':
					s = s[i+1:]
					closed = true
				default:
					val.WriteByte(s[i])
				}
				if closed {
					break
				}
			}
			if !closed {
				return nil, errors.New("invalid connection string: unterminated quoted value")
			}
		} else {
			i := 0
			for i < len(s) && s[i] != ' ' && s[i] != '\t' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				val.WriteByte(s[i])
				i++
			}
			s = s[i:]
		}
		settings[key] = val.String()
	}
}

// MakeConninfo merges keyword overrides into a connection string: the
// input is parsed, overridden and re-serialised with canonical quoting.
// Empty override values delete the key.
func MakeConninfo(conninfo string, overrides map[string]string) (string, error) {
	settings, err := ParseConninfo(conninfo)
	if err != nil {
		return "", err
	}
	for k, v := range overrides {
		if v == "" {
			delete(settings, k)
			continue
		}
		settings[k] = v
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(quoteConninfoValue(settings[k]))
	}
	return sb.String(), nil
}

func quoteConninfoValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\r\n'\\") {
		return v
	}
	var sb strings.Builder
	sb.WriteByte('\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(v[i])
	}
	sb.WriteByte('\'')
	return sb.String()
}

// applyEnvDefaults fills settings the conninfo left unset from the
// conventional libpq environment variables and account defaults.
func applyEnvDefaults(settings map[string]string) {
	envDefaults := map[string]string{
		"host":     "PGHOST",
		"port":     "PGPORT",
		"user":     "PGUSER",
		"password": "PGPASSWORD",
		"dbname":   "PGDATABASE",
	}
	for key, env := range envDefaults {
		if settings[key] == "" {
			if v := os.Getenv(env); v != "" {
				settings[key] = v
			}
		}
	}
	if settings["user"] == "" {
		if u, err := user.Current(); err == nil {
			settings["user"] = u.Username
		}
	}
	if settings["dbname"] == "" {
		settings["dbname"] = settings["user"]
	}
}
