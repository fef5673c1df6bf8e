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

/*
Package secrets hot-reloads the bearer-token registry and HMAC
signing-key ring consumed by the HTTP boundary.

# Overview

A Manager composes a set of env-provided defaults with optional file
overlays (a token registry JSON file, a flat token file, a signing-key
file) that take precedence once present on disk. Files are watched with
fsnotify and re-read on change; when a watch cannot be established
(e.g. a network filesystem) the Manager falls back to an mtime-poll on
next access rather than failing closed.

# Token resolution

GetTokenRegistry resolves a bearer token to a TokenEntry (organization,
organization slug, actor role). A single GAZEQA_API_TOKEN env var seeds
a lone entry; GAZEQA_API_TOKEN_REGISTRY (inline JSON) or
GAZEQA_API_TOKEN_REGISTRY_FILE (a JSON file, reloadable) support
multiple tokens.

# Signing keys

GetSigningKeys returns the active HMAC key plus any previous keys still
accepted for signature verification, so a key can be rotated without
invalidating URLs signed moments before the rotation. A short
passphrase is stretched to a fixed-length key via HKDF-SHA256 rather
than used as raw key material.
*/
package secrets
