// Package stage defines the fixed processing stages and the per-document plan.
//
// Stage names are persisted verbatim as step identifiers. Distribution
// fan-out produces one sub-step per configured upload target, named
// "distribution:<target>".
package stage

import (
	"fmt"
	"strings"
)

const (
	Conversion         = "conversion"
	DedupCheck         = "dedup_check"
	OCR                = "ocr"
	MetadataExtraction = "metadata_extraction"
	MetadataEmbedding  = "metadata_embedding"

	// DistributionPrefix prefixes every distribution sub-step name.
	DistributionPrefix = "distribution:"
)

// core is the canonical stage order before distribution fan-out.
var core = []string{
	Conversion,
	DedupCheck,
	OCR,
	MetadataExtraction,
	MetadataEmbedding,
}

// Distribution returns the sub-step name for an upload target.
func Distribution(target string) string {
	return DistributionPrefix + target
}

// IsDistribution reports whether name is a distribution sub-step.
func IsDistribution(name string) bool {
	return strings.HasPrefix(name, DistributionPrefix)
}

// TargetOf returns the upload target of a distribution sub-step.
func TargetOf(name string) (string, bool) {
	if !IsDistribution(name) {
		return "", false
	}
	target := strings.TrimPrefix(name, DistributionPrefix)
	return target, target != ""
}

// Mandatory reports whether a failure of the named stage fails the document.
//
// Every core stage is mandatory. Distribution sub-steps are not: one target
// failing while another succeeds yields a partially completed document.
func Mandatory(name string) bool {
	return !IsDistribution(name)
}

// Validate checks that name is a known core stage or a well-formed
// distribution sub-step.
func Validate(name string) error {
	if IsDistribution(name) {
		if _, ok := TargetOf(name); !ok {
			return fmt.Errorf("distribution stage %q has no target", name)
		}
		return nil
	}
	for _, c := range core {
		if c == name {
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", name)
}

// Core returns the canonical core stage order.
func Core() []string {
	out := make([]string, len(core))
	copy(out, core)
	return out
}
