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

// Package storageprofile loads the YAML storage-profile file named by
// GAZEQA_STORAGE_PROFILES_FILE, mapping a run's storage_profile name (from
// runmodel.CreateRunPayload) to per-profile settings such as an
// optional S3 archive mirror.
package storageprofile

import (
	"os"

	"gopkg.in/yaml.v3"
)

// S3ArchiveConfig enables a best-effort S3 mirror of a completed run's
// artifact manifest.
type S3ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Profile is one named entry in the storage-profiles file.
type Profile struct {
	Name      string           `yaml:"-"`
	S3Archive *S3ArchiveConfig `yaml:"s3_archive,omitempty"`
}

// Document is the top-level storage-profiles.yaml shape:
//
//	profiles:
//	  default: {}
//	  s3-archive:
//	    s3_archive:
//	      bucket: gazeqa-run-archive
//	      prefix: runs/
//	      region: us-east-1
type Document struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Load reads and parses a storage-profiles YAML file.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	for name, p := range doc.Profiles {
		p.Name = name
		doc.Profiles[name] = p
	}
	return doc, nil
}

// Lookup returns the named profile, or an empty Profile (no archive
// mirror configured) if the document doesn't define it or path is empty.
func (d Document) Lookup(name string) Profile {
	if p, ok := d.Profiles[name]; ok {
		return p
	}
	return Profile{Name: name}
}
