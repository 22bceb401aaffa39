// Package markdown implements the two-phase import pipeline: a synchronous,
// deterministic line-oriented parse into prepared nodes, then an
// asynchronous bulk persist with inter-file link rewriting and collection
// routing.
//
// The parser is intentionally not a full CommonMark implementation. Import
// fidelity is judged by the round-trip property — heading skeleton and
// sibling order survive — so block contents keep their original markdown
// markers and the exporter reprints them.
package markdown

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nodespace/nodespace/pkg/node"
)

// Import limits.
const (
	MaxMarkdownSize   = 1_000_000 // bytes per file
	MaxNodesPerImport = 1_000     // single-call cap; bulk import is uncapped
)

// PreparedNode is one flat row produced by phase 1, ready for bulk insert.
type PreparedNode struct {
	ID         string
	NodeType   string
	Content    string
	ParentID   string // empty for the file root
	Order      float64
	Properties map[string]map[string]any
}

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	taskRe     = regexp.MustCompile(`^([-*])\s+\[([ xX])\]\s+(.*)$`)
	bulletRe   = regexp.MustCompile(`^([-*])\s+(.*)$`)
	orderedRe  = regexp.MustCompile(`^(\d+)\.\s+(.*)$`)
	linkOnlyRe = regexp.MustCompile(`^\[[^\]]*\]\([^)]*\)$`)
)

// indentWidth measures leading whitespace in spaces, counting tabs as 4.
func indentWidth(line string) int {
	w := 0
	for _, r := range line {
		switch r {
		case ' ':
			w++
		case '\t':
			w += 4
		default:
			return w
		}
	}
	return w
}

// parseState tracks the heading stack and bullet nesting while walking
// lines.
type parseState struct {
	nodes []PreparedNode

	// heading stack: encountering level L pops all entries of level >= L.
	headings []stackEntry

	// open bullets by indent, innermost last.
	bullets []bulletEntry

	// last text paragraph at top of the current heading scope; bullets
	// directly below a paragraph nest under it.
	lastParagraph string

	// per-parent running order counters.
	orders map[string]float64
}

type stackEntry struct {
	id    string
	level int
}

type bulletEntry struct {
	id     string
	indent int
}

func newParseState() *parseState {
	return &parseState{orders: map[string]float64{}}
}

// currentParent is the enclosing heading, or "" at file top level.
func (st *parseState) currentParent() string {
	if len(st.headings) == 0 {
		return ""
	}
	return st.headings[len(st.headings)-1].id
}

func (st *parseState) nextOrder(parent string) float64 {
	st.orders[parent]++
	return st.orders[parent]
}

func (st *parseState) add(nodeType, content, parent string, props map[string]map[string]any) string {
	id := uuid.NewString()
	st.nodes = append(st.nodes, PreparedNode{
		ID:         id,
		NodeType:   nodeType,
		Content:    content,
		ParentID:   parent,
		Order:      st.nextOrder(parent),
		Properties: props,
	})
	return id
}

// bulletParent finds the parent for a bullet at the given indent: the
// nearest lower-indent open bullet, else the last text paragraph, else the
// current heading.
func (st *parseState) bulletParent(indent int) string {
	// Pop bullets at equal or deeper indent.
	for len(st.bullets) > 0 && st.bullets[len(st.bullets)-1].indent >= indent {
		st.bullets = st.bullets[:len(st.bullets)-1]
	}
	if len(st.bullets) > 0 {
		return st.bullets[len(st.bullets)-1].id
	}
	if st.lastParagraph != "" {
		return st.lastParagraph
	}
	return st.currentParent()
}

// Parse converts markdown text into a flat prepared-node list. The first
// produced node is the file root; any later parentless block is reattached
// under it so each file maps to exactly one tree.
func Parse(text string) ([]PreparedNode, error) {
	if len(text) > MaxMarkdownSize {
		return nil, fmt.Errorf("%w: markdown exceeds %d bytes", node.ErrInvalidParameter, MaxMarkdownSize)
	}
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(text, "\n")

	st := newParseState()
	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimRight(line, " \t\r")
		stripped := strings.TrimLeft(trimmed, " \t")

		if strings.TrimSpace(trimmed) == "" {
			i++
			continue
		}

		// Fenced code block: consumed to the closing fence.
		if strings.HasPrefix(stripped, "```") {
			var block []string
			block = append(block, trimmed)
			i++
			for i < len(lines) {
				l := strings.TrimRight(lines[i], " \r")
				block = append(block, l)
				i++
				if strings.HasPrefix(strings.TrimLeft(l, " \t"), "```") {
					break
				}
			}
			lang := strings.TrimSpace(strings.TrimPrefix(stripped, "```"))
			var props map[string]map[string]any
			if lang != "" {
				props = map[string]map[string]any{node.TypeCodeBlock: {"language": lang}}
			}
			st.add(node.TypeCodeBlock, strings.Join(block, "\n"), st.currentParent(), props)
			st.bullets = nil
			st.lastParagraph = ""
			continue
		}

		// Heading.
		if m := headingRe.FindStringSubmatch(stripped); m != nil {
			level := len(m[1])
			for len(st.headings) > 0 && st.headings[len(st.headings)-1].level >= level {
				st.headings = st.headings[:len(st.headings)-1]
			}
			parent := st.currentParent()
			props := map[string]map[string]any{node.TypeHeader: {"level": level}}
			id := st.add(node.TypeHeader, stripped, parent, props)
			st.headings = append(st.headings, stackEntry{id: id, level: level})
			st.bullets = nil
			st.lastParagraph = ""
			i++
			continue
		}

		// Block quote: contiguous > lines.
		if strings.HasPrefix(stripped, ">") {
			var block []string
			for i < len(lines) {
				l := strings.TrimRight(lines[i], " \t\r")
				if !strings.HasPrefix(strings.TrimLeft(l, " \t"), ">") {
					break
				}
				block = append(block, strings.TrimLeft(l, " \t"))
				i++
			}
			st.add(node.TypeQuoteBlock, strings.Join(block, "\n"), st.currentParent(), nil)
			st.bullets = nil
			st.lastParagraph = ""
			continue
		}

		// Ordered list: contiguous numbered items collapsed into one node,
		// renumbered from 1.
		if orderedRe.MatchString(stripped) {
			var items []string
			for i < len(lines) {
				l := strings.TrimLeft(strings.TrimRight(lines[i], " \t\r"), " \t")
				m := orderedRe.FindStringSubmatch(l)
				if m == nil {
					break
				}
				items = append(items, m[2])
				i++
			}
			var sb strings.Builder
			for idx, item := range items {
				if idx > 0 {
					sb.WriteByte('\n')
				}
				fmt.Fprintf(&sb, "%d. %s", idx+1, item)
			}
			st.add(node.TypeOrderedList, sb.String(), st.currentParent(), nil)
			st.bullets = nil
			st.lastParagraph = ""
			continue
		}

		// Task item.
		if m := taskRe.FindStringSubmatch(stripped); m != nil {
			indent := indentWidth(trimmed)
			parent := st.bulletParent(indent)
			status := node.TaskStatusOpen
			mark := " "
			if m[2] != " " {
				status = node.TaskStatusDone
				mark = "x"
			}
			content := fmt.Sprintf("- [%s] %s", mark, m[3])
			props := map[string]map[string]any{node.TypeTask: {"status": status}}
			id := st.add(node.TypeTask, content, parent, props)
			st.bullets = append(st.bullets, bulletEntry{id: id, indent: indent})
			i++
			continue
		}

		// Bullet (not a task, not a link-only line).
		if m := bulletRe.FindStringSubmatch(stripped); m != nil && !linkOnlyRe.MatchString(m[2]) {
			indent := indentWidth(trimmed)
			parent := st.bulletParent(indent)
			id := st.add(node.TypeText, "- "+m[2], parent, nil)
			st.bullets = append(st.bullets, bulletEntry{id: id, indent: indent})
			i++
			continue
		}

		// Paragraph: contiguous non-blank lines not matching any block form.
		var block []string
		for i < len(lines) {
			l := strings.TrimRight(lines[i], " \t\r")
			s := strings.TrimLeft(l, " \t")
			if strings.TrimSpace(l) == "" || headingRe.MatchString(s) ||
				strings.HasPrefix(s, "```") || strings.HasPrefix(s, ">") ||
				orderedRe.MatchString(s) || taskRe.MatchString(s) || bulletRe.MatchString(s) {
				break
			}
			block = append(block, s)
			i++
		}
		if len(block) == 0 {
			// Link-only bullet lines land here: not a bullet per the parse
			// rules, so they become a single text node carrying the link.
			st.add(node.TypeText, stripped, st.currentParent(), nil)
			st.bullets = nil
			st.lastParagraph = ""
			i++
			continue
		}
		id := st.add(node.TypeText, strings.Join(block, "\n"), st.currentParent(), nil)
		st.bullets = nil
		st.lastParagraph = id
		continue
	}

	return reattachStrays(st.nodes), nil
}

// reattachStrays makes the first node the single file root, reparenting any
// other parentless block under it.
func reattachStrays(nodes []PreparedNode) []PreparedNode {
	if len(nodes) == 0 {
		return nodes
	}
	rootID := nodes[0].ID
	order := 1000.0 // after any natural children
	for i := 1; i < len(nodes); i++ {
		if nodes[i].ParentID == "" {
			order++
			nodes[i].ParentID = rootID
			nodes[i].Order = order
		}
	}
	return nodes
}

// Title derives a document title: the first non-empty line stripped of
// heading markers, or the fallback (usually the filename).
func Title(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
		if trimmed == "" {
			continue
		}
		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			return strings.TrimSpace(m[2])
		}
		return trimmed
	}
	return fallback
}
