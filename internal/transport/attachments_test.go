// ABOUTME: Tests for attachment staging and the content-addressed blob store
// ABOUTME: Hash mismatches must be rejected

package transport

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestDescribe(t *testing.T) {
	p := writeTemp(t, "notes.txt", "hello")
	ref, err := Describe("msg-1", Attachment{Path: p})
	require.NoError(t, err)

	assert.Equal(t, "notes.txt", ref.Name)
	assert.Equal(t, "msg-1/notes.txt", ref.RelativePath)
	assert.Equal(t, int64(5), ref.SizeBytes)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ref.ContentHash)
	assert.NotEmpty(t, ref.MimeType)
}

func TestValidateName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "../x", "a/b", `a\b`, "blobs"} {
		assert.ErrorIs(t, ValidateName(bad), ErrBadAttachmentName, "name %q", bad)
	}
	assert.NoError(t, ValidateName("report.md"))
}

func TestAttachmentStore_InlineAndBlob(t *testing.T) {
	s, err := NewAttachmentStore(t.TempDir(), 16)
	require.NoError(t, err)

	small := writeTemp(t, "small.txt", "tiny")
	ref, err := Describe("m1", Attachment{Path: small})
	require.NoError(t, err)
	local, err := s.Put("m1", ref, small)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "m1", "small.txt"), local)

	big := writeTemp(t, "big.bin", strings.Repeat("x", 100))
	bigRef, err := Describe("m1", Attachment{Path: big})
	require.NoError(t, err)
	blob, err := s.Put("m1", bigRef, big)
	require.NoError(t, err)
	assert.Equal(t, s.BlobPath(bigRef.ContentHash), blob)

	// Both resolve by reference.
	got, err := s.Resolve("m1", ref)
	require.NoError(t, err)
	assert.Equal(t, local, got)
	got, err = s.Resolve("m1", bigRef)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestAttachmentStore_HashMismatch(t *testing.T) {
	s, err := NewAttachmentStore(t.TempDir(), 16)
	require.NoError(t, err)

	p := writeTemp(t, "a.txt", "original")
	ref, err := Describe("m1", Attachment{Path: p})
	require.NoError(t, err)

	_, err = s.Save("m1", ref, bytes.NewReader([]byte("tampered")))
	assert.ErrorIs(t, err, ErrHashMismatch)
	_, err = os.Stat(filepath.Join(s.Root(), "m1", "a.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = s.Save("m1", ref, strings.NewReader(strings.Repeat("y", 64)))
	assert.ErrorIs(t, err, ErrHashMismatch)
	matches, _ := filepath.Glob(filepath.Join(s.Root(), "blobs", "*"))
	assert.Empty(t, matches, "temp blob left behind")
}

func TestAttachmentStore_ResolveMissing(t *testing.T) {
	s, err := NewAttachmentStore(t.TempDir(), 16)
	require.NoError(t, err)
	p := writeTemp(t, "a.txt", "content")
	ref, err := Describe("m1", Attachment{Path: p})
	require.NoError(t, err)

	_, err = s.Resolve("m1", ref)
	assert.ErrorIs(t, err, ErrAttachmentMissing)
}
