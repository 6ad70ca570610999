// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// pageMarker matches page comments like <!-- page 3 --> that converters
// leave in Markdown.
var pageMarker = regexp.MustCompile(`<!--\s*page\s+(\d+)\s*-->`)

// Directory lists Markdown and plain-text files under Root. A document's id
// is its slash-separated path relative to Root; the marker is the newest
// modification time already listed, in RFC 3339 form.
type Directory struct {
	Root   string
	Logger *zap.Logger
}

// NewDirectory returns a Directory source rooted at root.
func NewDirectory(root string, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{Root: root, Logger: logger}
}

// ListNewDocuments returns documents modified after since, ordered by id.
func (d *Directory) ListNewDocuments(ctx context.Context, since string) ([]types.Document, string, error) {
	var after time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return nil, since, &types.ValidationError{Subject: "source marker", Problems: []string{err.Error()}}
		}
		after = t
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var docs []types.Document
	newest := after
	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if path != d.Root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".markdown" && ext != ".txt" {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		mod := info.ModTime().UTC()
		if !mod.After(after) {
			return nil
		}

		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}

		doc := types.Document{
			ID:         filepath.ToSlash(rel),
			Content:    raw,
			Source:     path,
			ModifiedAt: mod,
		}
		if ext == ".txt" {
			doc.Text = string(raw)
		} else {
			doc.Title, doc.Text, doc.Sections = ParseMarkdown(raw)
		}
		if doc.Title == "" {
			doc.Title = strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
		}
		docs = append(docs, doc)
		if mod.After(newest) {
			newest = mod
		}
		return nil
	})
	if err != nil {
		return nil, since, fmt.Errorf("listing %s: %w", d.Root, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	marker := since
	if !newest.IsZero() {
		marker = newest.Format(time.RFC3339Nano)
	}
	logger.Debug("listed documents",
		zap.String("root", d.Root),
		zap.String("since", since),
		zap.Int("documents", len(docs)),
	)
	return docs, marker, nil
}

// ParseMarkdown normalizes Markdown into plain text. It returns the first
// level-one heading as the title, the text with block structure reduced to
// blank-line separated paragraphs, and one section per heading or page
// change. Page markers are dropped from the text.
func ParseMarkdown(src []byte) (title, plain string, sections []types.Section) {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var out bytes.Buffer
	heading := ""
	page := 0

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.HTMLBlock:
			raw := blockLines(node, src)
			if node.HasClosure() {
				raw += string(node.ClosureLine.Value(src))
			}
			if m := pageMarker.FindStringSubmatch(raw); m != nil {
				if p, err := strconv.Atoi(m[1]); err == nil && p != page {
					page = p
					sections = append(sections, types.Section{Heading: heading, Page: page, Offset: out.Len()})
				}
			}
			continue
		case *ast.Heading:
			var buf bytes.Buffer
			inlineText(node, src, &buf)
			heading = strings.TrimSpace(buf.String())
			if node.Level == 1 && title == "" {
				title = heading
			}
			sections = append(sections, types.Section{Heading: heading, Page: page, Offset: out.Len()})
			out.WriteString(heading)
			out.WriteString("\n\n")
		default:
			var buf bytes.Buffer
			inlineText(n, src, &buf)
			t := strings.TrimSpace(buf.String())
			if t == "" {
				continue
			}
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return title, strings.TrimRight(out.String(), "\n"), sections
}

func blockLines(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
	return buf.String()
}

// inlineText appends the readable text of n and its descendants to buf.
func inlineText(n ast.Node, src []byte, buf *bytes.Buffer) {
	switch t := n.(type) {
	case *ast.Text:
		buf.Write(t.Segment.Value(src))
		if t.SoftLineBreak() || t.HardLineBreak() {
			buf.WriteByte('\n')
		}
		return
	case *ast.String:
		buf.Write(t.Value)
		return
	case *ast.AutoLink:
		buf.Write(t.URL(src))
		return
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		buf.WriteString(blockLines(n, src))
		return
	case *ast.HTMLBlock, *ast.RawHTML:
		return
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		inlineText(c, src, buf)
		if c.Type() == ast.TypeBlock {
			buf.WriteByte('\n')
		}
	}
}
