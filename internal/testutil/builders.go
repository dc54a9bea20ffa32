// Package testutil provides testing utilities and helpers for the scan pipeline.
package testutil

import (
	"archive/zip"
	"bytes"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/target/dwas-scanner/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with a fresh id and paths derived from it.
func NewJobRequest() *JobRequestBuilder {
	id := uuid.NewString()
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			ID:           id,
			Filename:     "app.zip",
			ArtifactPath: "/tmp/dwas/uploads/" + id + "_app.zip",
			WorkDir:      "/tmp/dwas/uploads/" + id + "_extracted",
		},
	}
}

// WithFilename sets the upload filename and the stored artifact path derived from it.
func (b *JobRequestBuilder) WithFilename(name string) *JobRequestBuilder {
	b.req.Filename = name
	b.req.ArtifactPath = "/tmp/dwas/uploads/" + b.req.ID + "_" + name
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// NewJob returns a job in the given status with timestamps consistent with it.
func NewJob(status model.JobStatus) *model.Job {
	now := TestTime()
	job := &model.Job{
		ID:        uuid.NewString(),
		Filename:  "app.zip",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.WorkDir = "/tmp/dwas/uploads/" + job.ID + "_extracted"
	job.ArtifactPath = "/tmp/dwas/uploads/" + job.ID + "_app.zip"
	if status.Terminal() {
		done := now.Add(time.Minute)
		job.UpdatedAt = done
		job.CompletedAt = &done
	}
	return job
}

type zipEntry struct {
	name   string
	body   []byte
	mode   fs.FileMode
	method uint16
	flags  uint16
}

// ZipBuilder assembles in-memory zip archives for intake tests.
type ZipBuilder struct {
	entries []zipEntry
}

// NewZip starts an empty archive.
func NewZip() *ZipBuilder {
	return &ZipBuilder{}
}

// File adds a deflated regular file.
func (b *ZipBuilder) File(name, body string) *ZipBuilder {
	b.entries = append(b.entries, zipEntry{name: name, body: []byte(body), method: zip.Deflate})
	return b
}

// Dir adds an explicit directory entry.
func (b *ZipBuilder) Dir(name string) *ZipBuilder {
	b.entries = append(b.entries, zipEntry{name: name + "/", method: zip.Store})
	return b
}

// Symlink adds a symlink entry pointing at target.
func (b *ZipBuilder) Symlink(name, target string) *ZipBuilder {
	b.entries = append(b.entries, zipEntry{name: name, body: []byte(target), method: zip.Store, mode: fs.ModeSymlink | 0o777})
	return b
}

// Encrypted adds an entry with the encryption flag set. The body is stored as-is.
func (b *ZipBuilder) Encrypted(name, body string) *ZipBuilder {
	b.entries = append(b.entries, zipEntry{name: name, body: []byte(body), method: zip.Store, flags: 0x1})
	return b
}

// Bytes renders the archive, failing the test on error.
func (b *ZipBuilder) Bytes(t TestingTB) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range b.entries {
		hdr := &zip.FileHeader{Name: e.name, Method: e.method, Flags: e.flags}
		hdr.Modified = TestTime()
		if e.mode != 0 {
			hdr.SetMode(e.mode)
		}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", e.name, err)
		}
		if _, err := fw.Write(e.body); err != nil {
			t.Fatalf("write zip entry %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}
