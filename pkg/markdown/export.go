package markdown

import (
	"strings"

	"github.com/nodespace/nodespace/pkg/node"
)

// Export renders a materialized tree back to markdown. Block contents keep
// their original markers on import, so exporting reprints content with
// indentation re-derived from nesting depth under the nearest non-bullet
// ancestor. Heading structure and sibling order round-trip exactly; byte
// layout of blank lines does not.
func Export(tree *node.Nested) string {
	var sb strings.Builder
	exportNode(&sb, tree, 0)
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func exportNode(sb *strings.Builder, t *node.Nested, bulletDepth int) {
	n := t.Node
	switch n.NodeType {
	case node.TypeHeader:
		sb.WriteString(n.Content)
		sb.WriteString("\n\n")
		for _, c := range t.Children {
			exportNode(sb, c, 0)
		}
	case node.TypeTask, node.TypeText:
		isBullet := strings.HasPrefix(n.Content, "- ")
		if isBullet {
			sb.WriteString(strings.Repeat("  ", bulletDepth))
			sb.WriteString(n.Content)
			sb.WriteString("\n")
			for _, c := range t.Children {
				exportNode(sb, c, bulletDepth+1)
			}
			return
		}
		sb.WriteString(n.Content)
		sb.WriteString("\n\n")
		for _, c := range t.Children {
			exportNode(sb, c, 0)
		}
	default:
		sb.WriteString(n.Content)
		sb.WriteString("\n\n")
		for _, c := range t.Children {
			exportNode(sb, c, 0)
		}
	}
}
