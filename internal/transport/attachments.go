// ABOUTME: Out-of-band attachment storage keyed by message id, with a content-addressed blob store
// ABOUTME: Small parts are buffered and written per message; large parts stream to blobs/<sha256>

package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-swarm/internal/envelope"
)

var (
	// ErrHashMismatch is returned when stored bytes do not match the signed content hash.
	ErrHashMismatch = errors.New("attachment content hash mismatch")

	// ErrBadAttachmentName is returned for names that are not a single path element.
	ErrBadAttachmentName = errors.New("invalid attachment name")

	// ErrAttachmentMissing is returned when a referenced attachment is not on disk.
	ErrAttachmentMissing = errors.New("attachment not found")
)

const blobDir = "blobs"

// DefaultInlineLimit is the largest part held in memory while receiving.
const DefaultInlineLimit = 4 << 20

// Attachment is a local file to send with a message.
type Attachment struct {
	Name     string // defaults to the file's base name
	MimeType string // defaults from the extension
	Path     string
}

// StoredAttachment is a received attachment and where it now lives.
type StoredAttachment struct {
	Ref       envelope.AttachmentRef
	LocalPath string
}

// AttachmentStore lays attachments out under root as <messageID>/<name>
// and root/blobs/<sha256>.
type AttachmentStore struct {
	root        string
	inlineLimit int64
}

// NewAttachmentStore creates the directory layout under root.
func NewAttachmentStore(root string, inlineLimit int64) (*AttachmentStore, error) {
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	if err := os.MkdirAll(filepath.Join(root, blobDir), 0755); err != nil {
		return nil, fmt.Errorf("creating attachment store: %w", err)
	}
	return &AttachmentStore{root: root, inlineLimit: inlineLimit}, nil
}

// Root returns the store directory.
func (s *AttachmentStore) Root() string {
	return s.root
}

// InlineLimit returns the largest part buffered in memory.
func (s *AttachmentStore) InlineLimit() int64 {
	return s.inlineLimit
}

// ValidateName rejects names that could escape the message directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || name == blobDir ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrBadAttachmentName, name)
	}
	return nil
}

// Describe hashes the file at a.Path and returns its reference for messageID.
func Describe(messageID string, a Attachment) (envelope.AttachmentRef, error) {
	name := a.Name
	if name == "" {
		name = filepath.Base(a.Path)
	}
	if err := ValidateName(name); err != nil {
		return envelope.AttachmentRef{}, err
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return envelope.AttachmentRef{}, fmt.Errorf("opening attachment: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return envelope.AttachmentRef{}, fmt.Errorf("hashing attachment: %w", err)
	}

	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return envelope.AttachmentRef{
		Name:         name,
		MimeType:     mimeType,
		RelativePath: messageID + "/" + name,
		SizeBytes:    n,
		ContentHash:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (s *AttachmentStore) messagePath(messageID string, ref envelope.AttachmentRef) (string, error) {
	if err := ValidateName(ref.Name); err != nil {
		return "", err
	}
	if messageID == "" || strings.ContainsAny(messageID, `/\`) || messageID == ".." || messageID == "." {
		return "", fmt.Errorf("%w: message id %q", ErrBadAttachmentName, messageID)
	}
	return filepath.Join(s.root, messageID, ref.Name), nil
}

// BlobPath returns where content with the given hex hash is stored.
func (s *AttachmentStore) BlobPath(hash string) string {
	return filepath.Join(s.root, blobDir, hash)
}

// Save stores r as the attachment ref of messageID and verifies its hash.
// Content up to the inline limit is buffered; anything larger is streamed
// into the blob store. Returns the local path.
func (s *AttachmentStore) Save(messageID string, ref envelope.AttachmentRef, r io.Reader) (string, error) {
	dest, err := s.messagePath(messageID, ref)
	if err != nil {
		return "", err
	}

	buf, err := io.ReadAll(io.LimitReader(r, s.inlineLimit+1))
	if err != nil {
		return "", fmt.Errorf("reading attachment %s: %w", ref.Name, err)
	}
	if int64(len(buf)) <= s.inlineLimit {
		return dest, s.writeInline(dest, ref, buf)
	}
	return s.writeBlob(ref, io.MultiReader(bytes.NewReader(buf), r))
}

func (s *AttachmentStore) writeInline(dest string, ref envelope.AttachmentRef, buf []byte) error {
	sum := sha256.Sum256(buf)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, ref.ContentHash) {
		return fmt.Errorf("%w: %s: got %s want %s", ErrHashMismatch, ref.Name, got, ref.ContentHash)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating message attachment dir: %w", err)
	}
	tmp := dest + ".partial"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("writing attachment %s: %w", ref.Name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing attachment %s: %w", ref.Name, err)
	}
	return nil
}

func (s *AttachmentStore) writeBlob(ref envelope.AttachmentRef, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, blobDir), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating blob temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("streaming attachment %s: %w", ref.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing blob temp file: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, ref.ContentHash) {
		return "", fmt.Errorf("%w: %s: got %s want %s", ErrHashMismatch, ref.Name, got, ref.ContentHash)
	}
	dest := s.BlobPath(got)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("committing blob %s: %w", got, err)
	}
	return dest, nil
}

// Put copies a local file into the store for messageID. Used by senders on
// the file fallback path so the recipient can resolve it during catch-up.
func (s *AttachmentStore) Put(messageID string, ref envelope.AttachmentRef, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening attachment: %w", err)
	}
	defer f.Close()
	return s.Save(messageID, ref, f)
}

// Resolve finds a stored attachment for messageID, checking the per-message
// location first and then the blob store, and verifies its hash.
func (s *AttachmentStore) Resolve(messageID string, ref envelope.AttachmentRef) (string, error) {
	p, err := s.messagePath(messageID, ref)
	if err != nil {
		return "", err
	}
	if _, err := hex.DecodeString(ref.ContentHash); err != nil || ref.ContentHash == "" {
		return "", fmt.Errorf("%w: bad content hash for %s", ErrHashMismatch, ref.Name)
	}
	candidates := []string{p, s.BlobPath(strings.ToLower(ref.ContentHash))}

	for _, p := range candidates {
		got, err := hashFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(got, ref.ContentHash) {
			return "", fmt.Errorf("%w: %s", ErrHashMismatch, p)
		}
		return p, nil
	}
	return "", fmt.Errorf("%w: %s for message %s", ErrAttachmentMissing, ref.Name, messageID)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
