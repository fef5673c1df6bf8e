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

// Command gazeqad is the run-orchestration daemon: it serves the HTTP
// boundary, drives runs through the auth -> exploration -> crawl ->
// finalize workflow, and exposes operator subcommands for index
// maintenance and signed-URL generation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gazeqad",
		Short:         "gazeqad runs the exploration/crawl workflow daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newRebuildIndexCommand())
	cmd.AddCommand(newSignURLCommand())

	return cmd
}
