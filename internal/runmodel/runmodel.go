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

// Package runmodel holds the normalized run-intake payload and the
// validation/normalization rules applied to it before a run is created.
package runmodel

import (
	"regexp"
	"strconv"
	"strings"
	"net/url"

	"github.com/tombee/conductor/internal/apierr"
)

// CredentialSpec is an optional reference to a credential the auth
// orchestrator resolves out of band; gazeqad never sees the secret itself.
type CredentialSpec struct {
	Username  string `json:"username,omitempty"`
	SecretRef string `json:"secret_ref,omitempty"`
}

func (c CredentialSpec) IsEmpty() bool {
	return c.Username == "" && c.SecretRef == ""
}

// BudgetSpec bounds the exploration and crawl activities.
type BudgetSpec struct {
	TimeBudgetMinutes int `json:"time_budget_minutes"`
	PageBudget        int `json:"page_budget"`
}

// CreateRunPayload is the normalized, validated request to create a run.
type CreateRunPayload struct {
	TargetURL          string          `json:"target_url"`
	Credentials        CredentialSpec  `json:"credentials"`
	Budgets            BudgetSpec      `json:"budgets"`
	StorageProfile     string          `json:"storage_profile"`
	Tags               []string        `json:"tags"`
	Organization       string          `json:"organization"`
	OrganizationSlug   string          `json:"organization_slug"`
	ActorRole          string          `json:"actor_role"`
}

// RawPayload mirrors the loosely-typed JSON body accepted over HTTP,
// before normalization and validation.
type RawPayload struct {
	TargetURL        string                 `json:"target_url"`
	Credentials      map[string]any         `json:"credentials"`
	Budgets          map[string]any         `json:"budgets"`
	StorageProfile   string                 `json:"storage_profile"`
	Tags             []string               `json:"tags"`
	Organization     string                 `json:"organization"`
	OrganizationSlug string                 `json:"organization_slug"`
	ActorRole        string                 `json:"actor_role"`
}

const (
	defaultTimeBudgetMinutes = 30
	defaultPageBudget        = 200
	defaultActorRole         = "qa_runner"
)

// FromRaw validates and normalizes a RawPayload into a CreateRunPayload,
// mirroring gazeqa.models.CreateRunPayload.from_dict.
func FromRaw(raw RawPayload) (CreateRunPayload, error) {
	errs := map[string]string{}

	targetURL := raw.TargetURL
	if targetURL == "" {
		errs["target_url"] = "target_url is required"
	} else if !isValidURL(targetURL) {
		errs["target_url"] = "target_url must include scheme and host"
	}

	credRaw := raw.Credentials
	if len(credRaw) > 0 && !anyTruthy(credRaw) {
		credRaw = nil
	}
	credentials := CredentialSpec{
		Username:  stringField(credRaw, "username"),
		SecretRef: stringField(credRaw, "secret_ref"),
	}
	if len(credRaw) > 0 && credentials.SecretRef == "" {
		errs["credentials.secret_ref"] = "secret_ref required when credentials supplied"
	}

	budgetsRaw := raw.Budgets
	timeBudget := coerceInt(budgetsRaw, "time_budget_minutes", defaultTimeBudgetMinutes)
	pageBudget := coerceInt(budgetsRaw, "page_budget", defaultPageBudget)
	if timeBudget <= 0 {
		errs["budgets.time_budget_minutes"] = "must be > 0"
	}
	if pageBudget <= 0 {
		errs["budgets.page_budget"] = "must be > 0"
	}
	budgets := BudgetSpec{TimeBudgetMinutes: timeBudget, PageBudget: pageBudget}

	storageProfile := raw.StorageProfile
	if storageProfile == "" {
		storageProfile = "default"
	}

	tags := raw.Tags
	if tags == nil {
		tags = []string{}
	}

	organization := strings.TrimSpace(raw.Organization)
	if organization == "" {
		organization = "default"
	}

	slugInput := strings.TrimSpace(raw.OrganizationSlug)
	var organizationSlug string
	if slugInput != "" {
		slug, err := NormalizeSlug(slugInput)
		if err != nil {
			errs["organization_slug"] = err.Error()
			organizationSlug = "default"
		} else {
			organizationSlug = slug
		}
	} else if organization != "default" {
		organizationSlug, _ = NormalizeSlug(organization)
	} else {
		organizationSlug = "default"
	}

	actorRole := strings.TrimSpace(raw.ActorRole)
	if actorRole == "" {
		actorRole = defaultActorRole
	}

	if len(errs) > 0 {
		return CreateRunPayload{}, apierr.Validation(errs)
	}

	return CreateRunPayload{
		TargetURL:        targetURL,
		Credentials:      credentials,
		Budgets:          budgets,
		StorageProfile:   storageProfile,
		Tags:             tags,
		Organization:     organization,
		OrganizationSlug: organizationSlug,
		ActorRole:        actorRole,
	}, nil
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func anyTruthy(m map[string]any) bool {
	for _, v := range m {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if t != "" {
				return true
			}
		case bool:
			if t {
				return true
			}
		default:
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func coerceInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]`)
var repeatedHyphens = regexp.MustCompile(`-+`)

// NormalizeSlug lowercases, replaces underscores and non-alphanumerics
// with hyphens, collapses repeats, and validates against slugPattern,
// mirroring gazeqa.models._normalize_slug.
func NormalizeSlug(value string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(value))
	if slug == "" {
		return "default", nil
	}
	slug = strings.ReplaceAll(slug, "_", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "-")
	slug = repeatedHyphens.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "", apierr.New(apierr.KindValidation, "organization_slug must contain alphanumeric characters")
	}
	if !slugPattern.MatchString(slug) {
		return "", apierr.New(apierr.KindValidation, "organization_slug may contain lowercase letters, numbers, and hyphens")
	}
	return slug, nil
}
