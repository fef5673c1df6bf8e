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

	"github.com/spf13/cobra"

	"github.com/tombee/conductor/internal/daemonconfig"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/runregistry"
)

func newRebuildIndexCommand() *cobra.Command {
	var (
		storageRoot  string
		indexBackend string
		moveLegacy   bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the run index from the on-disk run directory tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := daemonconfig.Load()
			if storageRoot != "" {
				cfg.StorageRoot = storageRoot
			}
			if indexBackend != "" {
				cfg.IndexBackend = indexBackend
			}

			logger := log.New(log.FromEnv())
			registry, err := runregistry.NewWithIndexBackend(cfg.StorageRoot, logger, cfg.IndexBackend)
			if err != nil {
				return fmt.Errorf("gazeqad: open run registry: %w", err)
			}
			defer registry.Close()

			n, err := registry.RebuildIndex(moveLegacy)
			if err != nil {
				return fmt.Errorf("gazeqad: rebuild index: %w", err)
			}
			fmt.Printf("rebuilt index: %d run(s) indexed\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&storageRoot, "storage-root", "", "Run storage root directory")
	cmd.Flags().StringVar(&indexBackend, "index-backend", "", "Run index backend: json or sqlite")
	cmd.Flags().BoolVar(&moveLegacy, "move-legacy", false, "Move pre-multitenant run directories into their organization partition while rebuilding")

	return cmd
}
