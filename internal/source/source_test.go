// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

const whitepaper = `# Security Whitepaper

Intro paragraph with *emphasis* and ` + "`code`" + `.

<!-- page 2 -->

## Data Protection

All volumes use AES encryption
at rest.

- keys rotate yearly
- backups are encrypted

<!-- page 3 -->

More protection details.
`

func TestParseMarkdown(t *testing.T) {
	title, plain, sections := ParseMarkdown([]byte(whitepaper))
	assert.Equal(t, "Security Whitepaper", title)

	assert.Contains(t, plain, "Intro paragraph with emphasis and code.")
	assert.Contains(t, plain, "All volumes use AES encryption\nat rest.")
	assert.Contains(t, plain, "keys rotate yearly")
	assert.NotContains(t, plain, "<!--")
	assert.NotContains(t, plain, "##")

	require.Len(t, sections, 4)
	assert.Equal(t, types.Section{Heading: "Security Whitepaper", Page: 0, Offset: 0}, sections[0])
	assert.Equal(t, "Security Whitepaper", sections[1].Heading)
	assert.Equal(t, 2, sections[1].Page)
	assert.Equal(t, "Data Protection", sections[2].Heading)
	assert.Equal(t, 2, sections[2].Page)
	assert.Equal(t, 3, sections[3].Page)

	// Offsets index into the plain text.
	assert.True(t, strings.HasPrefix(plain[sections[2].Offset:], "Data Protection"))
	assert.True(t, strings.HasPrefix(plain[sections[3].Offset:], "More protection details."))

	doc := types.Document{ID: "d", Text: plain, Sections: sections}
	loc := doc.LocatorAt(strings.Index(plain, "AES"))
	assert.Equal(t, 2, loc.Page)
	assert.Equal(t, "Data Protection", loc.Section)
}

func writeFile(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestDirectory_ListNewDocuments(t *testing.T) {
	root := t.TempDir()
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	writeFile(t, filepath.Join(root, "b.md"), whitepaper, t0)
	writeFile(t, filepath.Join(root, "sub", "a.txt"), "plain text policy", t0.Add(time.Minute))
	writeFile(t, filepath.Join(root, "ignored.pdf"), "%PDF", t0)
	writeFile(t, filepath.Join(root, ".hidden", "c.md"), "# hidden", t0)

	src := NewDirectory(root, zaptest.NewLogger(t))
	docs, marker, err := src.ListNewDocuments(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b.md", docs[0].ID)
	assert.Equal(t, "Security Whitepaper", docs[0].Title)
	assert.Equal(t, "sub/a.txt", docs[1].ID)
	assert.Equal(t, "a", docs[1].Title)
	assert.Equal(t, "plain text policy", docs[1].Text)
	assert.Equal(t, t0.Add(time.Minute).Format(time.RFC3339Nano), marker)

	// Nothing new since the marker.
	docs, again, err := src.ListNewDocuments(context.Background(), marker)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, marker, again)

	// A newer file shows up alone.
	writeFile(t, filepath.Join(root, "c.md"), "# New", t0.Add(time.Hour))
	docs, _, err = src.ListNewDocuments(context.Background(), marker)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c.md", docs[0].ID)
}

func TestDirectory_BadMarker(t *testing.T) {
	_, _, err := NewDirectory(t.TempDir(), nil).ListNewDocuments(context.Background(), "yesterday")
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestDirectory_MissingRoot(t *testing.T) {
	_, _, err := NewDirectory(filepath.Join(t.TempDir(), "nope"), nil).ListNewDocuments(context.Background(), "")
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := NewStatic(types.Document{ID: "a"}, types.Document{ID: "b"})
	docs, marker, err := s.ListNewDocuments(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, "2", marker)

	s.Add(types.Document{ID: "c"})
	docs, marker, err = s.ListNewDocuments(context.Background(), marker)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c", docs[0].ID)
	assert.Equal(t, "3", marker)

	_, _, err = s.ListNewDocuments(context.Background(), "x")
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))
}
