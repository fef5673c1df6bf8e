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

// Package sitemap provides the default site-map collaborator the
// exploration activity falls back to when no external site-map
// provider is configured.
package sitemap

import "net/url"

// Node is one entry in a link graph: a URL, its page title, and the
// URLs linked from it. Title feeds the destructive-keyword blocklist
// check in the exploration and crawl activities, which matches against
// URL or title.
type Node struct {
	URL   string
	Title string
	Links []string
}

// Graph is an ordered list of nodes, home page first.
type Graph []Node

// BuildDefault returns a small, deterministic link graph rooted at
// target: home links to about/team/admin, admin links to settings.
// This mirrors gazeqa.site_map.build_default_site_map and exists so the
// exploration activity has a reachable, bounded graph to walk even
// when no real site-map provider is wired in.
func BuildDefault(target string) (Graph, error) {
	base, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	resolve := func(ref string) string {
		u, err := base.Parse(ref)
		if err != nil {
			return ref
		}
		return u.String()
	}

	home := base.String()
	about := resolve("/about")
	team := resolve("/team")
	admin := resolve("/admin")
	settings := resolve("/admin/settings")

	return Graph{
		{URL: home, Title: "Home", Links: []string{about, team, admin}},
		{URL: about, Title: "About", Links: nil},
		{URL: team, Title: "Team", Links: nil},
		{URL: admin, Title: "Admin", Links: []string{settings}},
		{URL: settings, Title: "Admin Settings", Links: nil},
	}, nil
}
