// Package manifest loads and validates docflow pipeline manifests.
//
// A pipeline manifest is a YAML or JSON file that configures the optional
// stages, the retry policy, the per-stage call timeout and the upload
// targets documents are distributed to.
//
// Manifests are validated against an embedded JSON Schema that disallows
// unknown properties, then checked semantically (unique target names, glob
// syntax, type-specific options).
//
// Example manifest (YAML):
//
//	version: "1.0"
//	features:
//	  deduplication: true
//	  ocr: true
//	retry:
//	  max_attempts: 5
//	  initial_delay: 10s
//	stage_timeout: 2m
//	targets:
//	  - name: archive
//	    type: s3
//	    match: ["**/*.pdf"]
//	    exclude: ["drafts/**"]
//	    prefix: incoming/
//	    rate_limit: 20
//	    s3:
//	      bucket: doc-archive
//	      region: eu-west-1
//	  - name: local
//	    type: file
//	    file:
//	      base_dir: /var/lib/docflow/out
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/docflow/pkg/match"
	"github.com/3leaps/docflow/pkg/provider/file"
	"github.com/3leaps/docflow/pkg/provider/gcs"
	"github.com/3leaps/docflow/pkg/provider/s3"
	"github.com/3leaps/docflow/pkg/retry"
	"github.com/3leaps/docflow/pkg/stage"
)

// CurrentVersion is the only manifest version understood.
const CurrentVersion = "1.0"

// DefaultStageTimeout bounds a single collaborator call.
const DefaultStageTimeout = 5 * time.Minute

// Manifest represents a validated pipeline manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Features toggles the optional stages. Fields left out of the file
	// keep their defaults.
	Features stage.Features `json:"features" yaml:"features"`

	// Retry overrides the default retry policy. Unset fields keep defaults.
	Retry RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	// StageTimeout bounds each collaborator call.
	StageTimeout Duration `json:"stage_timeout,omitempty" yaml:"stage_timeout,omitempty"`

	// Targets lists the upload destinations, one distribution step each.
	Targets []Target `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// RetryConfig is the manifest form of retry.Policy.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Target configures one upload destination.
type Target struct {
	// Name identifies the target; the distribution stage is "distribution:<name>".
	Name string `json:"name" yaml:"name"`

	// Type selects the provider: s3, gcs or file.
	Type string `json:"type" yaml:"type"`

	// Match restricts the target to documents whose original filename
	// matches one of the doublestar globs. Empty matches everything.
	Match []string `json:"match,omitempty" yaml:"match,omitempty"`

	// Exclude drops documents whose original filename matches any glob.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// RateLimit caps uploads per second. Zero disables limiting.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	S3   *s3.Config   `json:"s3,omitempty" yaml:"s3,omitempty"`
	GCS  *gcs.Config  `json:"gcs,omitempty" yaml:"gcs,omitempty"`
	File *file.Config `json:"file,omitempty" yaml:"file,omitempty"`
}

// Default returns the manifest used when none is configured: default
// features, default retry policy and no targets.
func Default() *Manifest {
	m := newManifest()
	m.Version = CurrentVersion
	m.ApplyDefaults()
	return m
}

// newManifest returns a manifest seeded with defaults that decoding
// overwrites field by field.
func newManifest() *Manifest {
	return &Manifest{Features: stage.DefaultFeatures()}
}

// ApplyDefaults fills unset optional fields.
func (m *Manifest) ApplyDefaults() {
	def := retry.Default()
	if m.Retry.MaxAttempts == 0 {
		m.Retry.MaxAttempts = def.MaxAttempts
	}
	if m.Retry.InitialDelay == 0 {
		m.Retry.InitialDelay = Duration(def.InitialDelay)
	}
	if m.Retry.Multiplier == 0 {
		m.Retry.Multiplier = def.Multiplier
	}
	if m.Retry.MaxDelay == 0 {
		m.Retry.MaxDelay = Duration(def.MaxDelay)
	}
	if m.StageTimeout == 0 {
		m.StageTimeout = Duration(DefaultStageTimeout)
	}
}

// RetryPolicy converts the retry section into a policy.
func (m *Manifest) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  m.Retry.MaxAttempts,
		InitialDelay: time.Duration(m.Retry.InitialDelay),
		Multiplier:   m.Retry.Multiplier,
		MaxDelay:     time.Duration(m.Retry.MaxDelay),
	}
}

// Plan computes the stage plan for a new document.
func (m *Manifest) Plan() stage.Plan {
	return stage.NewPlan(m.Features, m.TargetNames())
}

// TargetNames returns the configured target names in manifest order.
func (m *Manifest) TargetNames() []string {
	names := make([]string, 0, len(m.Targets))
	for _, t := range m.Targets {
		names = append(names, t.Name)
	}
	return names
}

// Target looks up a target by name.
func (m *Manifest) Target(name string) (Target, bool) {
	for _, t := range m.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// Matches reports whether a document with the given original filename is
// routed to this target.
func (t Target) Matches(filename string) bool {
	m, err := match.New(match.Config{Includes: t.Match, Excludes: t.Exclude})
	if err != nil {
		return false
	}
	return m.Match(filename)
}

// Duration is a time.Duration written as a Go duration string ("5s", "2m").
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
