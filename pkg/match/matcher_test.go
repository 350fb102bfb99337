package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty config", Config{}, false},
		{"includes and excludes", Config{Includes: []string{"**/*.pdf"}, Excludes: []string{"drafts/**"}}, false},
		{"invalid include", Config{Includes: []string{"[invalid"}}, true},
		{"invalid exclude", Config{Excludes: []string{"[invalid"}}, true},
		{"empty pattern", Config{Includes: []string{""}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPattern)
				var pe *PatternError
				assert.ErrorAs(t, err, &pe)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m)
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		includes []string
		excludes []string
		filename string
		want     bool
	}{
		{"no patterns match all", nil, nil, "scan.tiff", true},
		{"extension glob", []string{"*.pdf"}, nil, "invoice.pdf", true},
		{"extension glob miss", []string{"*.pdf"}, nil, "invoice.docx", false},
		{"extension glob on nested name", []string{"*.pdf"}, nil, "scans/invoice.pdf", true},
		{"doublestar on base name", []string{"**/*.pdf"}, nil, "invoice.pdf", true},
		{"path glob", []string{"contracts/**"}, nil, "contracts/2024/a.pdf", true},
		{"path glob miss", []string{"contracts/**"}, nil, "invoices/a.pdf", false},
		{"any of several", []string{"*.docx", "*.pdf"}, nil, "a.pdf", true},
		{"excluded", []string{"*.pdf"}, []string{"draft-*"}, "draft-a.pdf", false},
		{"exclude only", nil, []string{"*.tmp"}, "upload.tmp", false},
		{"exclude only passes others", nil, []string{"*.tmp"}, "upload.pdf", true},
		{"windows filename", []string{"contracts/**"}, nil, `contracts\2024\a.pdf`, true},
		{"windows pattern", []string{`contracts\**`}, nil, "contracts/a.pdf", true},
		{"escaped star is literal", []string{`report\*.pdf`}, nil, "report*.pdf", true},
		{"escaped star miss", []string{`report\*.pdf`}, nil, "report1.pdf", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(Config{Includes: tt.includes, Excludes: tt.excludes})
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(tt.filename))
		})
	}
}

func TestMatcher_Patterns(t *testing.T) {
	m, err := New(Config{Includes: []string{`a\**`}, Excludes: []string{"*.tmp"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/**"}, m.IncludePatterns())
	assert.Equal(t, []string{"*.tmp"}, m.ExcludePatterns())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*.pdf", "a/**"))
	assert.ErrorIs(t, Validate("*.pdf", "[bad"), ErrInvalidPattern)
}
