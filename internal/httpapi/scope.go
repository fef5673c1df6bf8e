// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import "strings"

// MatchesScope reports whether userScopes authorizes access to
// endpointName. Empty userScopes means full access (an admin-equivalent
// token). Otherwise each scope must either match endpointName exactly or
// be a "prefix-*" wildcard covering it.
func MatchesScope(userScopes []string, endpointName string) bool {
	if len(userScopes) == 0 {
		return true
	}
	for _, scope := range userScopes {
		if matchesScopePattern(scope, endpointName) {
			return true
		}
	}
	return false
}

func matchesScopePattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	}
	return false
}
