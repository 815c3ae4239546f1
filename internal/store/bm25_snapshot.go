package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/seekr-dev/seekr/internal/errors"
)

// Snapshot file layout, little-endian:
//
//	[MAGIC 4B][VERSION u32][N_terms u64]
//	per term: [len u32][term][df u64] then df postings of
//	          [len u32][docID][tf u32]
//
// Document lengths are reconstructed from term frequencies on load.
var bm25SnapshotMagic = [4]byte{'S', 'K', 'B', 'M'}

const bm25SnapshotVersion uint32 = 1

// SaveSnapshot writes the committed snapshot to path for warm starts.
// The write is atomic: temp file plus rename.
func (b *MemoryBM25Index) SaveSnapshot(path string) error {
	snap := b.snap.Load()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}

	w := bufio.NewWriter(file)
	if err := writeSnapshot(w, snap); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeSerialization, err)
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// LoadSnapshot replaces the readable snapshot with the file contents.
// A missing file or a version/magic mismatch returns
// ErrCodeSnapshotMismatch so the caller can rebuild from the chunk table;
// incompatible data is never read silently.
func (b *MemoryBM25Index) LoadSnapshot(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.ErrCodeSnapshotMismatch, "snapshot missing: %s", path)
		}
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer file.Close()

	snap, err := readSnapshot(bufio.NewReader(file))
	if err != nil {
		return err
	}
	if err := snap.verify(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writable(); err != nil {
		return err
	}
	b.snap.Store(snap)
	b.pending = nil
	return nil
}

func writeSnapshot(w io.Writer, snap *bm25Snapshot) error {
	if _, err := w.Write(bm25SnapshotMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, bm25SnapshotVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(snap.postings))); err != nil {
		return err
	}

	for term, postings := range snap.postings {
		if err := writeString(w, term); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(postings))); err != nil {
			return err
		}
		for docID, tf := range postings {
			if err := writeString(w, docID); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(tf)); err != nil {
				return err
			}
		}
	}
	return nil
}

func readSnapshot(r io.Reader) (*bm25Snapshot, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errors.Newf(errors.ErrCodeSnapshotMismatch, "snapshot truncated: %v", err)
	}
	if magic != bm25SnapshotMagic {
		return nil, errors.Newf(errors.ErrCodeSnapshotMismatch, "bad snapshot magic %q", magic)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errors.Newf(errors.ErrCodeSnapshotMismatch, "snapshot truncated: %v", err)
	}
	if version != bm25SnapshotVersion {
		return nil, errors.Newf(errors.ErrCodeSnapshotMismatch,
			"snapshot version %d, want %d", version, bm25SnapshotVersion)
	}

	var nTerms uint64
	if err := binary.Read(r, binary.LittleEndian, &nTerms); err != nil {
		return nil, errors.Newf(errors.ErrCodeSnapshotMismatch, "snapshot truncated: %v", err)
	}

	snap := emptySnapshot()
	for range nTerms {
		term, err := readString(r)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeSerialization, err)
		}
		var df uint64
		if err := binary.Read(r, binary.LittleEndian, &df); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSerialization, err)
		}
		postings := make(map[string]int, df)
		for range df {
			docID, err := readString(r)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeSerialization, err)
			}
			var tf uint32
			if err := binary.Read(r, binary.LittleEndian, &tf); err != nil {
				return nil, errors.Wrap(errors.ErrCodeSerialization, err)
			}
			if tf == 0 {
				return nil, errors.Newf(errors.ErrCodeIndexCorrupt,
					"snapshot posting %s/%s has zero tf", term, docID)
			}
			postings[docID] = int(tf)
		}
		snap.postings[term] = postings
	}

	// Rebuild the per-document tables from the postings.
	for term, postings := range snap.postings {
		for docID, tf := range postings {
			counts, ok := snap.docTerms[docID]
			if !ok {
				counts = make(map[string]int)
				snap.docTerms[docID] = counts
			}
			counts[term] = tf
			snap.docLen[docID] += tf
			snap.totalLen += int64(tf)
		}
	}

	return snap, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string length %d exceeds sanity limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
