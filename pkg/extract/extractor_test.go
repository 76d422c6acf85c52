package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

func TestRegistryPlainTextPages(t *testing.T) {
	r := NewRegistry()
	art, err := r.Extract(context.Background(), []byte("Page one text.\fPage two text."), "text/plain")
	require.NoError(t, err)
	require.Len(t, art.PageMap, 2)
	require.Equal(t, 1, art.PageMap[0].Page)
	require.Equal(t, 2, art.PageMap[1].Page)
}

func TestRegistryMarkdown(t *testing.T) {
	r := NewRegistry()
	art, err := r.Extract(context.Background(), []byte("# Heading\n\nBody sentence."), "text/markdown")
	require.NoError(t, err)
	require.Len(t, art.PageMap, 1)
	require.NotEmpty(t, art.Sentences)
}

func TestRegistryHTMLStripsMarkup(t *testing.T) {
	r := NewRegistry()
	doc := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><p>The processor shall comply.</p><p>Second paragraph.</p></body></html>`
	art, err := r.Extract(context.Background(), []byte(doc), "text/html")
	require.NoError(t, err)
	require.NotContains(t, art.Text, "<")
	require.NotContains(t, art.Text, "alert")
	require.NotContains(t, art.Text, "color:red")
	require.Contains(t, art.Text, "The processor shall comply.")
	require.Len(t, art.PageMap, 1)
}

func TestRegistryUnsupportedMIME(t *testing.T) {
	r := NewRegistry()
	_, err := r.Extract(context.Background(), []byte("data"), "application/octet-stream")
	require.Error(t, err)
	require.Equal(t, analysis.CodeExtractionFailed, analysis.ErrorCode(err))
	require.False(t, r.Supports("application/octet-stream"))
}

func TestRegistryEmptyDocument(t *testing.T) {
	r := NewRegistry()
	_, err := r.Extract(context.Background(), nil, "text/plain")
	require.Error(t, err)
	require.Equal(t, analysis.CodeExtractionFailed, analysis.ErrorCode(err))
}

func TestRegistryHTMLNoText(t *testing.T) {
	r := NewRegistry()
	_, err := r.Extract(context.Background(), []byte("<div><span></span></div>"), "text/html")
	require.Error(t, err)
	require.Equal(t, analysis.CodeExtractionFailed, analysis.ErrorCode(err))
}

type failingExtractor struct{}

func (failingExtractor) Supports(mime string) bool { return mime == "application/pdf" }
func (failingExtractor) Extract(context.Context, []byte, string) (*Artifact, error) {
	return &Artifact{Text: "text without a page map"}, nil
}

func TestRegistryValidatesArtifact(t *testing.T) {
	r := NewRegistry(failingExtractor{})
	_, err := r.Extract(context.Background(), []byte("x"), "application/pdf")
	require.Error(t, err)
	require.Equal(t, analysis.CodeExtractionFailed, analysis.ErrorCode(err))
}
