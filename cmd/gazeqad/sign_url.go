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

package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/conductor/internal/daemonconfig"
	"github.com/tombee/conductor/internal/secrets"
	"github.com/tombee/conductor/internal/signing"
)

func newSignURLCommand() *cobra.Command {
	var (
		runID string
		slug  string
		path  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sign-url",
		Short: "Print the query string authorizing a signed artifact download",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" || slug == "" || path == "" {
				return fmt.Errorf("gazeqad: --run-id, --organization-slug, and --path are required")
			}

			cfg := daemonconfig.Load()
			mgr := secrets.New(secrets.Config{
				SigningKey:         cfg.Secrets.SigningKey,
				SigningKeyPrevious: cfg.Secrets.SigningKeyPrevious,
				SigningKeyFile:     cfg.Secrets.SigningKeyFile,
			})
			ring := signing.NewRing(mgr.GetSigningKeys().AllKeys...)

			expires := time.Now().Add(ttl)
			sig, err := ring.Sign(runID, slug, path, expires)
			if err != nil {
				return fmt.Errorf("gazeqad: sign url: %w", err)
			}

			q := url.Values{}
			q.Set("path", path)
			q.Set("expires", fmt.Sprintf("%d", expires.Unix()))
			q.Set("sig", sig)
			fmt.Printf("/v1/runs/%s/download?%s\n", runID, q.Encode())
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID the signed URL is scoped to")
	cmd.Flags().StringVar(&slug, "organization-slug", "", "Organization slug the signed URL is scoped to")
	cmd.Flags().StringVar(&path, "path", "", "Artifact path relative to the run's artifacts root")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "How long the signed URL remains valid")

	return cmd
}
