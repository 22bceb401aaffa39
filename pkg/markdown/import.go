package markdown

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/nodespace"
	"github.com/nodespace/nodespace/pkg/storage"
)

// LinkScheme is the rewritten form of inter-file markdown links.
const LinkScheme = "nodespace://"

// FileInput is one markdown document handed to phase 1.
type FileInput struct {
	// Path is relative to the import base directory; it drives collection
	// routing and inter-file link resolution.
	Path    string
	Content string
}

// PreparedFile is the phase-1 output for one document.
type PreparedFile struct {
	Path       string
	Title      string
	RootID     string
	Collection string
	Archived   bool
	Nodes      []PreparedNode
}

// PrepareOptions tune phase 1.
type PrepareOptions struct {
	// RouteCollections enables path-based collection derivation.
	RouteCollections bool
	// EnforceNodeCap applies the single-call node limit per file.
	EnforceNodeCap bool
}

var mdLinkRe = regexp.MustCompile(`\[([^\]]*)\]\(([^)]+)\)`)

// PrepareImport runs phase 1 over all files: parse each to prepared nodes,
// build the filepath -> root-uuid map, then rewrite inter-file markdown
// links to nodespace:// URIs. Files parse concurrently; rewriting needs the
// full map and runs after the barrier.
func PrepareImport(ctx context.Context, files []FileInput, opts PrepareOptions) ([]PreparedFile, error) {
	prepared := make([]PreparedFile, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i := range files {
		g.Go(func() error {
			f := files[i]
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(f.Content) > MaxMarkdownSize {
				return fmt.Errorf("%w: %s exceeds %d bytes", node.ErrInvalidParameter, f.Path, MaxMarkdownSize)
			}
			nodes, err := Parse(f.Content)
			if err != nil {
				return fmt.Errorf("parse %s: %w", f.Path, err)
			}
			if opts.EnforceNodeCap && len(nodes) > MaxNodesPerImport {
				return fmt.Errorf("%w: %s yields %d nodes, cap %d",
					node.ErrInvalidParameter, f.Path, len(nodes), MaxNodesPerImport)
			}
			pf := PreparedFile{
				Path:  f.Path,
				Title: Title(f.Content, strings.TrimSuffix(filepath.Base(f.Path), ".md")),
				Nodes: nodes,
			}
			if len(nodes) > 0 {
				pf.RootID = nodes[0].ID
			} else {
				// An empty document still imports as a bare text root.
				pf.RootID = uuid.NewString()
				pf.Nodes = []PreparedNode{{ID: pf.RootID, NodeType: node.TypeText, Content: pf.Title}}
			}
			if opts.RouteCollections {
				route := RouteCollection(f.Path)
				pf.Collection = route.Collection
				pf.Archived = route.Archived
			}
			prepared[i] = pf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rewriteLinks(prepared)
	return prepared, nil
}

// rewriteLinks replaces [text](relative/path.md) targets that resolve to an
// imported file with nodespace://<root-uuid>.
func rewriteLinks(files []PreparedFile) {
	rootByPath := make(map[string]string, len(files))
	for _, f := range files {
		rootByPath[filepath.ToSlash(filepath.Clean(f.Path))] = f.RootID
	}

	for fi := range files {
		dir := filepath.Dir(files[fi].Path)
		for ni := range files[fi].Nodes {
			n := &files[fi].Nodes[ni]
			n.Content = mdLinkRe.ReplaceAllStringFunc(n.Content, func(match string) string {
				m := mdLinkRe.FindStringSubmatch(match)
				target := m[2]
				if strings.Contains(target, "://") || strings.HasPrefix(target, "#") {
					return match
				}
				resolved := filepath.ToSlash(filepath.Clean(filepath.Join(dir, target)))
				if rootID, ok := rootByPath[resolved]; ok {
					return fmt.Sprintf("[%s](%s%s)", m[1], LinkScheme, rootID)
				}
				return match
			})
		}
	}
}

// Progress reports phase-2 advancement, one event per file plus a final
// complete event.
type Progress struct {
	File     string
	Done     int
	Total    int
	Complete bool
	Err      error
}

// Result summarizes a finished import.
type Result struct {
	Files       int
	Nodes       int
	Collections int
	Archived    int
}

// Importer runs phase 2 against the node service.
type Importer struct {
	svc *nodespace.NodeService

	// OnProgress, when set, receives per-file progress and the final
	// complete event. Called from the importing goroutine.
	OnProgress func(Progress)
}

// NewImporter creates a phase-2 importer.
func NewImporter(svc *nodespace.NodeService) *Importer {
	return &Importer{svc: svc}
}

func (imp *Importer) progress(p Progress) {
	if imp.OnProgress != nil {
		imp.OnProgress(p)
	}
}

// Persist runs phase 2 synchronously: resolve unique collection paths
// (auto-creating missing collections), bulk-create all nodes in one
// transaction, bulk-add memberships, and mark archived documents.
func (imp *Importer) Persist(ctx context.Context, files []PreparedFile) (*Result, error) {
	res := &Result{Files: len(files)}

	// Resolve collections first so membership edges have targets.
	collectionIDs := map[string]string{}
	for _, f := range files {
		if f.Collection == "" {
			continue
		}
		if _, done := collectionIDs[f.Collection]; done {
			continue
		}
		id, err := imp.svc.EnsureCollectionPath(ctx, f.Collection)
		if err != nil {
			return nil, fmt.Errorf("resolve collection %q: %w", f.Collection, err)
		}
		collectionIDs[f.Collection] = id
	}
	res.Collections = len(collectionIDs)

	var items []storage.HierarchyItem
	for _, f := range files {
		for _, pn := range f.Nodes {
			items = append(items, storage.HierarchyItem{
				ID:         pn.ID,
				NodeType:   pn.NodeType,
				Content:    pn.Content,
				ParentID:   pn.ParentID,
				Order:      pn.Order,
				Properties: pn.Properties,
			})
		}
	}
	if err := imp.svc.BulkCreateHierarchyRootNotify(ctx, items); err != nil {
		return nil, err
	}
	res.Nodes = len(items)

	var memberships []storage.EdgeRecord
	for _, f := range files {
		if f.Collection == "" {
			continue
		}
		memberships = append(memberships, storage.EdgeRecord{
			In:               f.RootID,
			Out:              collectionIDs[f.Collection],
			RelationshipType: storage.RelMemberOf,
		})
	}
	if len(memberships) > 0 {
		if err := imp.svc.Store().BulkAddToCollections(ctx, memberships); err != nil {
			return nil, err
		}
	}

	for i, f := range files {
		if f.Archived {
			if err := imp.svc.Store().UpdateLifecycleStatus(ctx, f.RootID, "archived"); err != nil {
				return nil, err
			}
			res.Archived++
		}
		imp.progress(Progress{File: f.Path, Done: i + 1, Total: len(files)})
	}
	imp.progress(Progress{Done: len(files), Total: len(files), Complete: true})
	return res, nil
}

// PersistAsync runs Persist on a background goroutine, returning a channel
// that yields the result (or error via Progress.Err) once done.
func (imp *Importer) PersistAsync(ctx context.Context, files []PreparedFile) <-chan *Result {
	out := make(chan *Result, 1)
	var once sync.Once
	go func() {
		defer once.Do(func() { close(out) })
		res, err := imp.Persist(ctx, files)
		if err != nil {
			log.Printf("markdown: background import failed: %v", err)
			imp.progress(Progress{Complete: true, Err: err})
			return
		}
		out <- res
	}()
	return out
}

// ImportText is the single-call path: parse one document (node cap applies)
// and persist it immediately. Returns the root id.
func (imp *Importer) ImportText(ctx context.Context, text string) (string, error) {
	files, err := PrepareImport(ctx, []FileInput{{Path: "inline.md", Content: text}},
		PrepareOptions{EnforceNodeCap: true})
	if err != nil {
		return "", err
	}
	if _, err := imp.Persist(ctx, files); err != nil {
		return "", err
	}
	return files[0].RootID, nil
}

// ImportDirectory walks baseDir for .md files and runs both phases with
// collection routing enabled. The bulk path does not cap total node count.
func (imp *Importer) ImportDirectory(ctx context.Context, baseDir string) (*Result, error) {
	var files []FileInput
	err := filepath.WalkDir(baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		files = append(files, FileInput{Path: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	prepared, err := PrepareImport(ctx, files, PrepareOptions{RouteCollections: true})
	if err != nil {
		return nil, err
	}
	return imp.Persist(ctx, prepared)
}
