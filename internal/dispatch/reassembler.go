package dispatch

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/4-R-C-4-N-4/summit/internal/schema"
	"github.com/4-R-C-4-N-4/summit/internal/wire"
)

// FileStatus describes one reassembly, completed or in progress, for
// the control surface's files_status() operation.
type FileStatus struct {
	MetadataHash [32]byte
	Filename     string
	TotalBytes   uint64
	Remaining    int
	Complete     bool
	Path         string
}

// inProgress is one open reassembly, keyed in Reassembler.open by the
// content hash of the file.metadata chunk that announced it.
type inProgress struct {
	meta      schema.FileMetadata
	remaining map[[32]byte]struct{}
	slots     map[[32]byte][]byte
}

// Reassembler consumes file.metadata and file.data chunks and
// materializes completed files into an output directory, per spec.md
// §4.6. Metadata is idempotent, data arrivals may be out of order, and
// duplicates are skipped. Entries whose contributing session drops
// before completion stay in the in-progress map indefinitely; no GC
// policy is defined.
type Reassembler struct {
	mu sync.Mutex

	outDir    string
	open      map[[32]byte]*inProgress
	completed []FileStatus
}

// NewReassembler creates a reassembler that writes completed files
// below outDir.
func NewReassembler(outDir string) (*Reassembler, error) {
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("reassembler: create output dir: %w", err)
	}
	return &Reassembler{
		outDir: outDir,
		open:   make(map[[32]byte]*inProgress),
	}, nil
}

// Submit implements Consumer for both file.metadata and file.data
// chunks, switching on the header's type tag.
func (r *Reassembler) Submit(header wire.ChunkHeader, payload []byte) error {
	switch header.TypeTag {
	case TagFileMetadata:
		return r.submitMetadata(header.ContentHash, payload)
	case TagFileData:
		return r.submitData(header.ContentHash, payload)
	default:
		return ErrNoConsumer
	}
}

func (r *Reassembler) submitMetadata(metaHash [32]byte, payload []byte) error {
	meta, err := schema.ParseFileMetadata(payload)
	if err != nil {
		// The trust gate's validator already vetted this payload; a parse
		// failure here means the gate and reassembler disagree.
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Metadata is idempotent: a second announcement for the same file
	// leaves the existing entry untouched.
	if _, exists := r.open[metaHash]; exists {
		return nil
	}

	entry := &inProgress{
		meta:      meta,
		remaining: make(map[[32]byte]struct{}, len(meta.ChunkHashes)),
		slots:     make(map[[32]byte][]byte, len(meta.ChunkHashes)),
	}
	for _, h := range meta.ChunkHashes {
		entry.remaining[h] = struct{}{}
	}
	r.open[metaHash] = entry

	log.WithFields(log.Fields{
		"file":   meta.Filename,
		"chunks": len(meta.ChunkHashes),
	}).Info("reassembler: file announced")

	if len(entry.remaining) == 0 {
		return r.materializeLocked(metaHash, entry)
	}
	return nil
}

func (r *Reassembler) submitData(contentHash [32]byte, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for metaHash, entry := range r.open {
		if _, wanted := entry.remaining[contentHash]; !wanted {
			// Either no open file expects this chunk or it is a duplicate;
			// the second write is skipped.
			continue
		}

		entry.slots[contentHash] = append([]byte{}, payload...)
		delete(entry.remaining, contentHash)

		if len(entry.remaining) == 0 {
			if err := r.materializeLocked(metaHash, entry); err != nil {
				return err
			}
		}
	}

	return nil
}

// materializeLocked writes the completed file to the output directory
// and moves its entry from open to completed. Caller holds r.mu.
func (r *Reassembler) materializeLocked(metaHash [32]byte, entry *inProgress) error {
	name := filepath.Base(entry.meta.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = hex.EncodeToString(metaHash[:16])
	}
	dst := filepath.Join(r.outDir, name)

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("reassembler: create %s: %w", dst, err)
	}

	for _, h := range entry.meta.ChunkHashes {
		if _, err := f.Write(entry.slots[h]); err != nil {
			f.Close()
			return fmt.Errorf("reassembler: write %s: %w", dst, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("reassembler: close %s: %w", dst, err)
	}

	delete(r.open, metaHash)
	r.completed = append(r.completed, FileStatus{
		MetadataHash: metaHash,
		Filename:     entry.meta.Filename,
		TotalBytes:   entry.meta.TotalBytes,
		Complete:     true,
		Path:         dst,
	})

	log.WithFields(log.Fields{
		"file": entry.meta.Filename,
		"path": dst,
	}).Info("reassembler: file completed")
	return nil
}

// Status lists completed reassemblies followed by in-progress ones.
func (r *Reassembler) Status() []FileStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]FileStatus{}, r.completed...)
	for metaHash, entry := range r.open {
		out = append(out, FileStatus{
			MetadataHash: metaHash,
			Filename:     entry.meta.Filename,
			TotalBytes:   entry.meta.TotalBytes,
			Remaining:    len(entry.remaining),
		})
	}
	return out
}
