// Package vertex implements metadata extraction with a Gemini model on
// Vertex AI.
package vertex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-1.5-pro"

// SystemPrompt frames the model as a metadata extractor.
const SystemPrompt = "You are a document metadata extractor. You read a PDF document and describe it with a small set of bibliographic properties. You must output a single valid JSON object."

// UserPrompt lists the properties to return.
const UserPrompt = `Extract metadata from the attached PDF document.

Return a JSON object with these keys, omitting any you cannot determine:
- "title": the document title
- "author": the person or organisation that wrote it
- "subject": one sentence describing what the document is about
- "keywords": an array of up to ten keywords
- "document_type": one of invoice, contract, report, letter, form, manual, other
- "language": the ISO 639-1 code of the main language
- "date": the document date as YYYY-MM-DD

Do not include any text before or after the JSON object.`

// propertyNames maps response keys to PDF document property names.
var propertyNames = map[string]string{
	"title":         "Title",
	"author":        "Author",
	"subject":       "Subject",
	"keywords":      "Keywords",
	"document_type": "DocumentType",
	"language":      "Language",
	"date":          "DocumentDate",
}

// Generator is the slice of *genai.GenerativeModel the extractor uses.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Config configures the Vertex AI client.
type Config struct {
	Project string `mapstructure:"project"`
	Region  string `mapstructure:"region"`
	Model   string `mapstructure:"model"`
}

// Extractor is the metadata_extraction processor.
type Extractor struct {
	model     Generator
	client    *genai.Client
	workspace processor.Workspace
	logger    *zap.Logger
}

var _ processor.Processor = (*Extractor)(nil)

// New connects to Vertex AI and configures the extraction model.
func New(ctx context.Context, cfg Config, ws processor.Workspace, logger *zap.Logger) (*Extractor, error) {
	if cfg.Project == "" || cfg.Region == "" {
		return nil, errors.New("vertex: project and region are required")
	}
	name := cfg.Model
	if name == "" {
		name = DefaultModel
	}

	client, err := genai.NewClient(ctx, cfg.Project, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	e := NewWithGenerator(model, ws, logger)
	e.client = client
	return e, nil
}

// NewWithGenerator builds an extractor over any generator.
func NewWithGenerator(model Generator, ws processor.Workspace, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{model: model, workspace: ws, logger: logger}
}

// Process asks the model for metadata and stores it in the workspace sidecar.
// The document location is unchanged.
func (e *Extractor) Process(ctx context.Context, doc document.Document) (processor.Result, error) {
	// #nosec G304 -- location is a pipeline-managed artifact
	data, err := os.ReadFile(doc.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return processor.Result{}, processor.Permanentf("input %s: %w", doc.Location, err)
		}
		return processor.Result{}, fmt.Errorf("read input: %w", err)
	}

	resp, err := e.model.GenerateContent(ctx,
		genai.Blob{MIMEType: "application/pdf", Data: data},
		genai.Text(UserPrompt),
	)
	if err != nil {
		return processor.Result{}, classify(err)
	}

	text, err := responseText(resp)
	if err != nil {
		return processor.Result{}, err
	}

	md, err := ParseMetadata(text)
	if err != nil {
		return processor.Result{}, processor.Transient(err)
	}

	if err := e.workspace.WriteMetadata(doc.ID, md); err != nil {
		return processor.Result{}, err
	}

	e.logger.Debug("Extracted metadata",
		zap.String("document_id", doc.ID),
		zap.Strings("properties", sortedKeys(md)))
	return processor.Result{}, nil
}

// Close releases the Vertex AI client.
func (e *Extractor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// ParseMetadata converts the model's JSON answer into PDF properties.
// Unknown keys are ignored; arrays are joined with ", ".
func ParseMetadata(text string) (processor.Metadata, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}

	md := make(processor.Metadata, len(raw))
	for key, value := range raw {
		prop, ok := propertyNames[strings.ToLower(key)]
		if !ok {
			continue
		}
		if s := stringify(value); s != "" {
			md[prop] = s
		}
	}
	return md, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", processor.Permanentf("model returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", processor.Permanentf("model returned no text")
	}
	return b.String(), nil
}

// classify maps Vertex AI errors to transient or permanent failures.
func classify(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return processor.Permanent(err)
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.NotFound,
		codes.FailedPrecondition, codes.Unauthenticated, codes.Unimplemented:
		return processor.Permanent(err)
	default:
		return processor.Transient(err)
	}
}

func sortedKeys(m processor.Metadata) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
