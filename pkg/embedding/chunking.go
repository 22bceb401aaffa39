package embedding

import (
	"math"
	"strings"

	"github.com/nodespace/nodespace/pkg/node"
)

// Metadata types recorded with each stored embedding.
const (
	MetaCompleteTopic = "complete_topic"
	MetaTopicSummary  = "topic_summary"
	MetaTopicSection  = "topic_section"
)

// Token thresholds selecting the chunking strategy.
const (
	singleEmbeddingMaxTokens = 512
	summaryOnlyMaxTokens     = 2048
)

// summaryCharLimit truncates the summary corpus to roughly 512 tokens.
const summaryCharLimit = 2048

// EstimateTokens approximates the token count of text. Deliberately
// conservative: chars / 3.5, padded by 20%.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 3.5 * 1.2))
}

// Chunk is one embedding work item produced by the chunker.
type Chunk struct {
	// NodeID receives the stored vector: the root for the summary or
	// complete embedding, a section child for per-section embeddings.
	NodeID string
	Text   string
	Meta   ChunkMeta
}

// ChunkMeta is merged into properties.embedding_metadata alongside the
// stored vector.
type ChunkMeta struct {
	Type        string
	ParentTopic string
	Depth       int
	TokenCount  int
}

func (m ChunkMeta) toMap(generatedAt string) map[string]any {
	out := map[string]any{
		"type":         m.Type,
		"generated_at": generatedAt,
	}
	if m.ParentTopic != "" {
		out["parent_topic"] = m.ParentTopic
	}
	if m.Type == MetaTopicSection {
		out["depth"] = m.Depth
	}
	if m.TokenCount > 0 {
		out["token_count"] = m.TokenCount
	}
	return out
}

// corpusOf concatenates the tree's content depth-first in sibling order.
func corpusOf(tree *node.Nested) string {
	var parts []string
	tree.Walk(func(n *node.Node, _ int) {
		if n.Content != "" {
			parts = append(parts, n.Content)
		}
	})
	return strings.Join(parts, "\n")
}

// truncateChars cuts s to at most limit bytes on a rune boundary.
func truncateChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for len(cut) > 0 && !isRuneStart(s[len(cut)]) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// ChunkTree selects the embedding granularity for a root's tree by estimated
// token count:
//
//	< 512:        one embedding over the combined content (complete_topic)
//	512 – <2048:  truncated summary on the root + one embedding per
//	              top-level child (topic_summary + topic_section depth 0)
//	>= 2048:      summary + recursive per-section embeddings at every depth
func ChunkTree(tree *node.Nested) []Chunk {
	corpus := corpusOf(tree)
	tokens := EstimateTokens(corpus)
	root := tree.Node

	if tokens < singleEmbeddingMaxTokens {
		return []Chunk{{
			NodeID: root.ID,
			Text:   corpus,
			Meta:   ChunkMeta{Type: MetaCompleteTopic, TokenCount: tokens},
		}}
	}

	summary := truncateChars(corpus, summaryCharLimit)
	chunks := []Chunk{{
		NodeID: root.ID,
		Text:   summary,
		Meta:   ChunkMeta{Type: MetaTopicSummary, TokenCount: EstimateTokens(summary)},
	}}

	recursive := tokens >= summaryOnlyMaxTokens
	for _, child := range tree.Children {
		chunks = append(chunks, sectionChunks(child, root.ID, 0, recursive)...)
	}
	return chunks
}

func sectionChunks(section *node.Nested, parentTopic string, depth int, recursive bool) []Chunk {
	text := corpusOf(section)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chunks := []Chunk{{
		NodeID: section.Node.ID,
		Text:   text,
		Meta: ChunkMeta{
			Type:        MetaTopicSection,
			ParentTopic: parentTopic,
			Depth:       depth,
			TokenCount:  EstimateTokens(text),
		},
	}}
	if recursive {
		for _, child := range section.Children {
			chunks = append(chunks, sectionChunks(child, section.Node.ID, depth+1, recursive)...)
		}
	}
	return chunks
}
