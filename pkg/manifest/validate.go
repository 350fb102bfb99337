package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/docflow/internal/assets/schemas"
	"github.com/3leaps/docflow/pkg/match"
)

var (
	// ErrSchemaNotFound indicates the schema could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/targets/0/name").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON data against the embedded manifest schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Validate runs the semantic checks the schema cannot express.
func Validate(m *Manifest) error {
	var errs ValidationErrors

	if m.Version != CurrentVersion {
		errs = append(errs, ValidationError{Path: "/version", Message: fmt.Sprintf("unsupported version %q", m.Version)})
	}
	if err := m.RetryPolicy().Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "/retry", Message: err.Error()})
	}
	if m.StageTimeout < 0 {
		errs = append(errs, ValidationError{Path: "/stage_timeout", Message: "must not be negative"})
	}

	seen := make(map[string]bool, len(m.Targets))
	for i, t := range m.Targets {
		path := fmt.Sprintf("/targets/%d", i)
		if t.Name == "" {
			errs = append(errs, ValidationError{Path: path + "/name", Message: "name is required"})
		} else if seen[t.Name] {
			errs = append(errs, ValidationError{Path: path + "/name", Message: fmt.Sprintf("duplicate target %q", t.Name)})
		}
		seen[t.Name] = true

		for j, pattern := range t.Match {
			if match.Validate(pattern) != nil {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("%s/match/%d", path, j), Message: fmt.Sprintf("invalid glob %q", pattern)})
			}
		}
		for j, pattern := range t.Exclude {
			if match.Validate(pattern) != nil {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("%s/exclude/%d", path, j), Message: fmt.Sprintf("invalid glob %q", pattern)})
			}
		}
		if t.RateLimit < 0 {
			errs = append(errs, ValidationError{Path: path + "/rate_limit", Message: "must not be negative"})
		}

		errs = append(errs, validateTargetOptions(path, t)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateTargetOptions(path string, t Target) ValidationErrors {
	var errs ValidationErrors
	set := 0
	for _, present := range []bool{t.S3 != nil, t.GCS != nil, t.File != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		errs = append(errs, ValidationError{Path: path, Message: "exactly one of s3, gcs, file may be set"})
	}

	var err error
	switch t.Type {
	case "s3":
		if t.S3 == nil {
			return append(errs, ValidationError{Path: path + "/s3", Message: "s3 options are required for type s3"})
		}
		err = t.S3.Validate()
	case "gcs":
		if t.GCS == nil {
			return append(errs, ValidationError{Path: path + "/gcs", Message: "gcs options are required for type gcs"})
		}
		err = t.GCS.Validate()
	case "file":
		if t.File == nil {
			return append(errs, ValidationError{Path: path + "/file", Message: "file options are required for type file"})
		}
		err = t.File.Validate()
	default:
		return append(errs, ValidationError{Path: path + "/type", Message: fmt.Sprintf("unknown target type %q", t.Type)})
	}
	if err != nil {
		errs = append(errs, ValidationError{Path: path + "/" + t.Type, Message: err.Error()})
	}
	return errs
}

// getValidator returns a cached validator compiled from the embedded schema.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.PipelineManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded pipeline-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.PipelineManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
