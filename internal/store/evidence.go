package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const evidenceRefPrefix = "sha256:"

// FSEvidence is a content-addressed file store. Each blob lands under
// its SHA-256 digest, so identical output stored twice costs one file
// and a ref never goes stale. All access goes through an os.Root, so a
// crafted ref cannot escape the directory.
type FSEvidence struct {
	root *os.Root
}

func NewFSEvidence(dir string) (*FSEvidence, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating evidence dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &FSEvidence{root: root}, nil
}

func (s *FSEvidence) Close() error {
	return s.root.Close()
}

// Put streams r into the store and returns its ref. name is only used
// for logging.
func (s *FSEvidence) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	tmp := "tmp-" + uuid.NewString()
	f, err := s.root.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("creating evidence file: %w", err)
	}

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("writing evidence: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	// the root confines opens; the rename stays inside its directory
	final := filepath.Join(s.root.Name(), digest)
	if _, err := s.root.Stat(digest); err == nil {
		// identical blob already stored
		_ = s.root.Remove(tmp)
	} else if err := os.Rename(filepath.Join(s.root.Name(), tmp), final); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("storing evidence: %w", err)
	}

	ref := evidenceRefPrefix + digest
	slog.DebugContext(ctx, "evidence stored", "name", name, "ref", ref)
	return ref, nil
}

// Open returns the blob behind a ref.
func (s *FSEvidence) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	digest, ok := strings.CutPrefix(ref, evidenceRefPrefix)
	if !ok || !validDigest(digest) {
		return nil, fmt.Errorf("malformed evidence ref %q", ref)
	}
	f, err := s.root.Open(digest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("evidence %s not found", ref)
		}
		return nil, err
	}
	return f, nil
}

func validDigest(d string) bool {
	if len(d) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}
