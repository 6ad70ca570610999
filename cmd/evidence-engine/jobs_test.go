// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

func TestReadDocuments(t *testing.T) {
	dir := t.TempDir()
	md := filepath.Join(dir, "policy.md")
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(md, []byte("# Backup Policy\n\nBackups are encrypted nightly.\n"), 0o644))
	require.NoError(t, os.WriteFile(txt, []byte("keys rotate quarterly"), 0o644))

	docs, err := readDocuments([]string{md, txt})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, md, docs[0].ID)
	assert.Equal(t, "Backup Policy", docs[0].Title)
	assert.Contains(t, docs[0].Text, "encrypted nightly")
	assert.Equal(t, "submitted", docs[0].Source)
	assert.Equal(t, "keys rotate quarterly", docs[1].Text)

	_, err = readDocuments([]string{filepath.Join(dir, "missing.md")})
	assert.ErrorContains(t, err, "reading document")
}

func TestPrintCheckpoint(t *testing.T) {
	var buf bytes.Buffer
	printCheckpoint(&buf, &types.Checkpoint{
		JobID:                "child",
		ParentJobID:          "root",
		Status:               types.JobFailed,
		Stage:                types.StageEvaluate,
		Iteration:            1,
		PendingDocumentIDs:   []string{"a", "b"},
		CompletedDocumentIDs: []string{"a"},
		FilteredCount:        3,
		ReportVersion:        2,
		Error:                "stage evaluate failed: fatal: HTTP 401",
	})
	out := buf.String()
	assert.Contains(t, out, "Parent:    root")
	assert.Contains(t, out, "evaluate (iteration 1)")
	assert.Contains(t, out, "2 pending, 1 evaluated, 3 filtered")
	assert.Contains(t, out, "Error:     stage evaluate failed")
	assert.NotContains(t, out, "Stopped:")
}

func TestPrintJobTable(t *testing.T) {
	var buf bytes.Buffer
	printJobTable(&buf, nil)
	assert.Equal(t, "No jobs.\n", buf.String())

	buf.Reset()
	printJobTable(&buf, []*types.Checkpoint{{
		JobID:         "job-1",
		Status:        types.JobCompleted,
		Stage:         types.StageDone,
		ReportVersion: 4,
		UpdatedAt:     time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
	}})
	assert.Contains(t, buf.String(), "job-1")
	assert.Contains(t, buf.String(), "2026-05-01 09:30:00")
}
