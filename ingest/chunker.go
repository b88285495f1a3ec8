package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Chunker splits extracted text into indexable chunks.
type Chunker interface {
	Chunk(text string) []string
}

const defaultChunkTokens = 512

// chunkerConfig holds chunker settings set via options.
type chunkerConfig struct {
	maxTokens int
}

// ChunkerOption configures a chunker.
type ChunkerOption func(*chunkerConfig)

// WithMaxTokens sets the approximate chunk size in tokens (4 bytes per
// token heuristic). Default 512.
func WithMaxTokens(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.maxTokens = n }
}

// MarkdownChunker splits text at markdown heading boundaries, merging
// small sections and paragraph-splitting oversized ones. Heading markers
// are preserved in chunks for better LLM context. Plain text without
// headings degrades to paragraph splitting.
type MarkdownChunker struct {
	maxBytes int
	md       goldmark.Markdown
}

var _ Chunker = (*MarkdownChunker)(nil)

// NewMarkdownChunker creates a MarkdownChunker.
func NewMarkdownChunker(opts ...ChunkerOption) *MarkdownChunker {
	cfg := chunkerConfig{maxTokens: defaultChunkTokens}
	for _, o := range opts {
		o(&cfg)
	}
	return &MarkdownChunker{
		maxBytes: cfg.maxTokens * 4,
		md:       goldmark.New(),
	}
}

// Chunk splits markdown text into chunks respecting heading boundaries.
func (mc *MarkdownChunker) Chunk(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if len(input) <= mc.maxBytes {
		return []string{input}
	}

	sections := mc.splitSections(input)
	return mc.mergeSections(sections)
}

// splitSections parses the markdown and cuts the source at the byte
// offset of every heading.
func (mc *MarkdownChunker) splitSections(input string) []string {
	source := []byte(input)
	doc := mc.md.Parser().Parse(text.NewReader(source))

	var starts []int
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		starts = append(starts, lineStart(source, h.Lines().At(0).Start))
		return ast.WalkSkipChildren, nil
	})
	if len(starts) == 0 {
		return splitParagraphs(input)
	}

	var sections []string
	if starts[0] > 0 {
		if pre := strings.TrimSpace(input[:starts[0]]); pre != "" {
			sections = append(sections, pre)
		}
	}
	for i, start := range starts {
		end := len(input)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if section := strings.TrimSpace(input[start:end]); section != "" {
			sections = append(sections, section)
		}
	}
	return sections
}

// lineStart walks back from a byte offset to the start of its line, so
// the heading markers stay in the section.
func lineStart(source []byte, offset int) int {
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}

// mergeSections merges small sections together and splits large ones.
func (mc *MarkdownChunker) mergeSections(sections []string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, section := range sections {
		if len(section) > mc.maxBytes {
			flush()
			chunks = append(chunks, mc.splitLarge(section)...)
			continue
		}

		needed := len(section)
		if current.Len() > 0 {
			needed = current.Len() + 2 + len(section) // "\n\n" separator
		}
		if needed <= mc.maxBytes {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(section)
		} else {
			flush()
			current.WriteString(section)
		}
	}
	flush()
	return chunks
}

// splitLarge breaks an oversized section at paragraph boundaries, hard
// splitting any single paragraph that still exceeds the cap.
func (mc *MarkdownChunker) splitLarge(section string) []string {
	var chunks []string
	var current strings.Builder

	for _, para := range splitParagraphs(section) {
		if len(para) > mc.maxBytes {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, hardSplit(para, mc.maxBytes)...)
			continue
		}
		if current.Len() > 0 && current.Len()+2+len(para) > mc.maxBytes {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func splitParagraphs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hardSplit cuts on rune boundaries at maxBytes.
func hardSplit(s string, maxBytes int) []string {
	var chunks []string
	runes := []rune(s)
	var current strings.Builder
	for _, r := range runes {
		if current.Len()+len(string(r)) > maxBytes {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
