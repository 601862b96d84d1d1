package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/InsulaLabs/pwmcp/config"
	"github.com/InsulaLabs/pwmcp/models"
)

const metaSuffix = ".meta"

// ErrBlobNotFound is returned when a blob id does not resolve to a stored
// record, including records already removed by the sweeper.
type ErrBlobNotFound struct {
	BlobID string
}

func (e *ErrBlobNotFound) Error() string {
	return fmt.Sprintf("blob not found: %s", e.BlobID)
}

// ErrBlobTooLarge is returned by Put when the payload exceeds the per-blob cap.
type ErrBlobTooLarge struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *ErrBlobTooLarge) Error() string {
	return fmt.Sprintf("blob of %d bytes exceeds cap of %d bytes", e.SizeBytes, e.MaxBytes)
}

// Store is a content-addressed on-disk cache for large binary payloads.
// Each record is a content file named <blobId>.<ext> plus a <blobId>.meta
// JSON sidecar. Writes go to a temp file and are renamed into place, so a
// record is never observable half-written. Expired records are removed by
// a background sweeper.
type Store struct {
	logger   *slog.Logger
	root     string
	maxBytes int64
	ttl      time.Duration
	sweepInt time.Duration

	now func() time.Time
}

func NewStore(logger *slog.Logger, cfg config.Blob) (*Store, error) {
	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create blob storage root")
	}
	return &Store{
		logger:   logger.With("component", "blob-store"),
		root:     cfg.StorageRoot,
		maxBytes: cfg.MaxSizeBytes,
		ttl:      cfg.TTL,
		sweepInt: cfg.CleanupInterval,
		now:      time.Now,
	}, nil
}

// Put stores the payload and returns a reference to it. The blob id encodes
// the wall-clock second and the first 12 hex characters of the payload's
// sha256, so identical payloads stored in different seconds get distinct ids.
func (s *Store) Put(data []byte, mimeType string, tags []string) (models.BlobRef, error) {
	if int64(len(data)) > s.maxBytes {
		return models.BlobRef{}, &ErrBlobTooLarge{SizeBytes: int64(len(data)), MaxBytes: s.maxBytes}
	}

	now := s.now()
	hasher := sha256.New()

	tempFile, err := os.CreateTemp(s.root, "upload-*.tmp")
	if err != nil {
		return models.BlobRef{}, errors.Wrap(err, "failed to create temp file for blob")
	}
	tempName := tempFile.Name()
	cleanup := func() {
		tempFile.Close()
		os.Remove(tempName)
	}

	if _, err := io.Copy(tempFile, io.TeeReader(bytes.NewReader(data), hasher)); err != nil {
		cleanup()
		return models.BlobRef{}, errors.Wrap(err, "failed to write blob payload")
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return models.BlobRef{}, errors.Wrap(err, "failed to flush blob payload")
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	blobID := fmt.Sprintf("%010d-%s", now.Unix(), digest[:12])
	expiresAt := now.Add(s.ttl)

	sidecar := models.BlobSidecar{
		BlobID:    blobID,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		CreatedAt: now.UTC(),
		ExpiresAt: expiresAt.UTC(),
		Tags:      tags,
	}
	metaBytes, err := json.Marshal(sidecar)
	if err != nil {
		os.Remove(tempName)
		return models.BlobRef{}, errors.Wrap(err, "failed to encode blob sidecar")
	}
	metaTemp, err := os.CreateTemp(s.root, "meta-*.tmp")
	if err != nil {
		os.Remove(tempName)
		return models.BlobRef{}, errors.Wrap(err, "failed to create temp file for sidecar")
	}
	if _, err := metaTemp.Write(metaBytes); err != nil {
		metaTemp.Close()
		os.Remove(metaTemp.Name())
		os.Remove(tempName)
		return models.BlobRef{}, errors.Wrap(err, "failed to write blob sidecar")
	}
	if err := metaTemp.Close(); err != nil {
		os.Remove(metaTemp.Name())
		os.Remove(tempName)
		return models.BlobRef{}, errors.Wrap(err, "failed to flush blob sidecar")
	}

	// Sidecar lands first so a content file is never visible without its
	// metadata. An orphan sidecar is harmless; the sweeper reaps it.
	if err := os.Rename(metaTemp.Name(), s.metaPath(blobID)); err != nil {
		os.Remove(metaTemp.Name())
		os.Remove(tempName)
		return models.BlobRef{}, errors.Wrap(err, "failed to finalize blob sidecar")
	}
	contentPath := s.contentPath(blobID, mimeType)
	if err := os.Rename(tempName, contentPath); err != nil {
		os.Remove(s.metaPath(blobID))
		os.Remove(tempName)
		return models.BlobRef{}, errors.Wrap(err, "failed to finalize blob")
	}

	s.logger.Debug("blob stored",
		"blob_id", blobID,
		"mime_type", mimeType,
		"size_bytes", len(data),
	)

	return models.BlobRef{
		BlobID:    blobID,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

// Record is the result of a Get: the payload plus its sidecar metadata.
type Record struct {
	Data    []byte
	Sidecar models.BlobSidecar
}

// Get reads a stored blob. Expired blobs that the sweeper has not yet
// removed still resolve; once either file is gone the result is NotFound.
func (s *Store) Get(blobID string) (*Record, error) {
	sidecar, err := s.readSidecar(blobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.contentPath(blobID, sidecar.MimeType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrBlobNotFound{BlobID: blobID}
		}
		return nil, errors.Wrap(err, "failed to read blob payload")
	}
	return &Record{Data: data, Sidecar: *sidecar}, nil
}

// List enumerates surviving blobs, optionally filtered by a blob-id prefix
// and/or a tag that must be present. Ordering follows directory order.
func (s *Store) List(prefix string, tag string) ([]models.BlobRef, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list blob storage root")
	}
	var refs []models.BlobRef
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		blobID := strings.TrimSuffix(name, metaSuffix)
		if prefix != "" && !strings.HasPrefix(blobID, prefix) {
			continue
		}
		sidecar, err := s.readSidecar(blobID)
		if err != nil {
			continue
		}
		if tag != "" && !containsTag(sidecar.Tags, tag) {
			continue
		}
		refs = append(refs, models.BlobRef{
			BlobID:    sidecar.BlobID,
			MimeType:  sidecar.MimeType,
			SizeBytes: sidecar.SizeBytes,
			ExpiresAt: sidecar.ExpiresAt,
		})
	}
	return refs, nil
}

// Delete removes a blob and its sidecar. Idempotent; returns whether
// anything was removed.
func (s *Store) Delete(blobID string) (bool, error) {
	removed := false
	sidecar, err := s.readSidecar(blobID)
	if err == nil {
		if rmErr := os.Remove(s.contentPath(blobID, sidecar.MimeType)); rmErr == nil {
			removed = true
		}
	}
	if rmErr := os.Remove(s.metaPath(blobID)); rmErr == nil {
		removed = true
	}
	return removed, nil
}

// SweepExpired removes every record whose expiry is in the past, plus
// content files with no sidecar that have outlived the TTL. A Get racing
// the sweep sees either the intact record or NotFound.
func (s *Store) SweepExpired() int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Error("failed to scan blob storage root", "error", err)
		return 0
	}

	now := s.now()
	removed := 0
	haveSidecar := map[string]bool{}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		blobID := strings.TrimSuffix(name, metaSuffix)
		haveSidecar[blobID] = true

		sidecar, err := s.readSidecar(blobID)
		if err != nil {
			continue
		}
		if sidecar.ExpiresAt.After(now) {
			continue
		}
		os.Remove(s.contentPath(blobID, sidecar.MimeType))
		os.Remove(s.metaPath(blobID))
		removed++
	}

	// Orphan pass: content files (and stray temp files) without a sidecar
	// are deleted once the timestamp baked into their name ages past TTL.
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, metaSuffix) {
			continue
		}
		blobID := name
		if i := strings.IndexByte(name, '.'); i >= 0 {
			blobID = name[:i]
		}
		if haveSidecar[blobID] {
			continue
		}
		if !s.orphanExpired(name, now) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, name)); err == nil {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("blob sweep complete", "removed", removed)
	}
	return removed
}

// Run drives the periodic sweep until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInt)
	defer ticker.Stop()
	s.logger.Info("blob sweeper started", "interval", s.sweepInt.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("blob sweeper stopped")
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

func (s *Store) readSidecar(blobID string) (*models.BlobSidecar, error) {
	raw, err := os.ReadFile(s.metaPath(blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrBlobNotFound{BlobID: blobID}
		}
		return nil, errors.Wrap(err, "failed to read blob sidecar")
	}
	var sidecar models.BlobSidecar
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		return nil, errors.Wrap(err, "failed to decode blob sidecar")
	}
	return &sidecar, nil
}

func (s *Store) metaPath(blobID string) string {
	return filepath.Join(s.root, blobID+metaSuffix)
}

func (s *Store) contentPath(blobID, mimeType string) string {
	return filepath.Join(s.root, blobID+"."+models.ExtensionForMime(mimeType))
}

// orphanExpired reports whether a sidecar-less file is old enough to reap.
// Blob ids carry their creation second as a 10-digit prefix; anything else
// (temp files, junk) falls back to filesystem mtime.
func (s *Store) orphanExpired(name string, now time.Time) bool {
	if len(name) > 10 && name[10] == '-' {
		if ts, err := strconv.ParseInt(name[:10], 10, 64); err == nil {
			return now.Sub(time.Unix(ts, 0)) > s.ttl
		}
	}
	info, err := os.Stat(filepath.Join(s.root, name))
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > s.ttl
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
