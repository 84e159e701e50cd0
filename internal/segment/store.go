// Package segment keeps the node's log as a directory of segment files plus a bbolt index that maps every file
// to the range of log positions (VLSNs) it holds. Network restore reads segments on the donor side and installs
// them on the receiving side through a staging directory, so an interrupted transfer never leaves the log
// partially replaced.
package segment

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"

	"repcore/internal/logging"
	"repcore/internal/wire"
)

// LogVersion is the on-disk format version of segment files written by this package.
const LogVersion = 1

const (
	fileSuffix   = ".seg"
	backupSuffix = ".bup"
	logDirName   = "log"
	stageDirName = "staging"
	indexName    = "segments.db"

	// replacedDirName holds the previous segments inside a staging area while an install is in progress.
	replacedDirName = ".replaced"
)

var (
	// Bucket names
	segmentsBucket = []byte("segments")
	metaBucket     = []byte("meta")

	// Meta keys
	logVersionKey = []byte("logVersion")
)

var (
	// ErrNotFound is returned for a segment that is not in the index.
	ErrNotFound = errors.New("segment not found")
	// ErrDigestMismatch is returned when received content does not match its announced digest or size.
	ErrDigestMismatch = errors.New("segment digest mismatch")
	// ErrBadRange is returned for a segment whose first VLSN is above its last or overlaps its predecessor.
	ErrBadRange = errors.New("invalid segment VLSN range")
)

// Info describes one segment file.
type Info struct {
	Number    uint64
	FirstVLSN uint64
	LastVLSN  uint64
	Size      int64
	// Digest is the SHA-256 of the file contents.
	Digest []byte
}

// Name returns the file name of the segment.
func (i Info) Name() string {
	return FileName(i.Number)
}

// FileName returns the name of segment number n.
func FileName(n uint64) string {
	return fmt.Sprintf("%08x%s", n, fileSuffix)
}

// ParseFileName returns the segment number encoded in name.
func ParseFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, fileSuffix) {
		return 0, fmt.Errorf("not a segment file: %q", name)
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("not a segment file: %q: %w", name, err)
	}
	return n, nil
}

// Store is a segment directory and its index.
type Store struct {
	mu     sync.RWMutex
	root   string
	db     *bbolt.DB
	logger logging.Logger
}

// Open opens (or creates) the segment store under dataDir.
func Open(dataDir string, logger logging.Logger) (*Store, error) {
	for _, dir := range []string{filepath.Join(dataDir, logDirName), filepath.Join(dataDir, stageDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	db, err := bbolt.Open(filepath.Join(dataDir, indexName), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(segmentsBucket); err != nil {
			return fmt.Errorf("failed to create segments bucket: %w", err)
		}
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		if v := mb.Get(logVersionKey); v != nil && binary.BigEndian.Uint64(v) != LogVersion {
			return fmt.Errorf("segment index has log version %d, expected %d", binary.BigEndian.Uint64(v), LogVersion)
		}
		return mb.Put(logVersionKey, uint64ToBytes(LogVersion))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{root: dataDir, db: db, logger: logging.OrNop(logger)}, nil
}

// Dir returns the directory holding the segment files.
func (s *Store) Dir() string {
	return filepath.Join(s.root, logDirName)
}

// Append writes data as a new segment holding positions first through last. The segment number is one above the
// current highest.
func (s *Store) Append(first, last uint64, data []byte) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, err := s.segmentsLocked()
	if err != nil {
		return Info{}, err
	}
	info := Info{Number: 1, FirstVLSN: first, LastVLSN: last, Size: int64(len(data))}
	if first > last {
		return Info{}, fmt.Errorf("%w: %d > %d", ErrBadRange, first, last)
	}
	if n := len(segs); n > 0 {
		prev := segs[n-1]
		if first <= prev.LastVLSN {
			return Info{}, fmt.Errorf("%w: first VLSN %d overlaps %s ending at %d", ErrBadRange, first, prev.Name(),
				prev.LastVLSN)
		}
		info.Number = prev.Number + 1
	}
	sum := sha256.Sum256(data)
	info.Digest = sum[:]

	if err := os.WriteFile(filepath.Join(s.Dir(), info.Name()), data, 0o644); err != nil {
		return Info{}, fmt.Errorf("failed to write %s: %w", info.Name(), err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(segmentsBucket).Put(uint64ToBytes(info.Number), encodeInfo(info))
	})
	if err != nil {
		return Info{}, fmt.Errorf("failed to index %s: %w", info.Name(), err)
	}
	return info, nil
}

// Segments returns every indexed segment in file number order.
func (s *Store) Segments() ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentsLocked()
}

func (s *Store) segmentsLocked() ([]Info, error) {
	var segs []Info
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(segmentsBucket).ForEach(func(_, v []byte) error {
			info, err := decodeInfo(v)
			if err != nil {
				return err
			}
			segs = append(segs, info)
			return nil
		})
	})
	return segs, err
}

// Range returns the first and last positions held locally. Both are zero for an empty log.
func (s *Store) Range() (first, last uint64, err error) {
	segs, err := s.Segments()
	if err != nil || len(segs) == 0 {
		return 0, 0, err
	}
	return segs[0].FirstVLSN, segs[len(segs)-1].LastVLSN, nil
}

// RangeEnd returns the last position held locally, or zero when the index cannot be read.
func (s *Store) RangeEnd() uint64 {
	_, last, err := s.Range()
	if err != nil {
		s.logger.Errorf("failed to read segment range: %v", err)
		return 0
	}
	return last
}

// Lookup returns the index entry for segment number n.
func (s *Store) Lookup(n uint64) (Info, error) {
	var info Info
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(segmentsBucket).Get(uint64ToBytes(n))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, FileName(n))
		}
		var err error
		info, err = decodeInfo(v)
		return err
	})
	return info, err
}

// OpenSegment opens segment n for reading. The caller closes the file.
func (s *Store) OpenSegment(n uint64) (*os.File, Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.Lookup(n)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(filepath.Join(s.Dir(), info.Name()))
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to open %s: %w", info.Name(), err)
	}
	return f, info, nil
}

// SegmentsAfter returns the segments holding any position above vlsn.
func (s *Store) SegmentsAfter(vlsn uint64) ([]Info, error) {
	segs, err := s.Segments()
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, seg := range segs {
		if seg.LastVLSN > vlsn {
			out = append(out, seg)
		}
	}
	return out, nil
}

// TruncateAfter removes every segment that starts above matchpoint and returns the removed file names. A segment
// straddling the matchpoint is kept whole; it is rewritten by replay.
func (s *Store) TruncateAfter(matchpoint uint64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, err := s.segmentsLocked()
	if err != nil {
		return nil, err
	}
	var removed []string
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		for _, seg := range segs {
			if seg.FirstVLSN <= matchpoint {
				continue
			}
			if err := b.Delete(uint64ToBytes(seg.Number)); err != nil {
				return err
			}
			removed = append(removed, seg.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to truncate segment index: %w", err)
	}
	for _, name := range removed {
		if err := os.Remove(filepath.Join(s.Dir(), name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if len(removed) > 0 {
		s.logger.Infof("truncated %d segments after VLSN %d", len(removed), matchpoint)
	}
	return removed, nil
}

// Backups returns the names of files retained by earlier installs.
func (s *Store) Backups() ([]string, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), backupSuffix) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Digest computes the SHA-256 of r.
func Digest(r io.Reader) ([]byte, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, n, err
	}
	return h.Sum(nil), n, nil
}

func encodeInfo(i Info) []byte {
	var b []byte
	b = wire.AppendUint(b, 1, i.Number)
	b = wire.AppendUint(b, 2, i.FirstVLSN)
	b = wire.AppendUint(b, 3, i.LastVLSN)
	b = wire.AppendInt(b, 4, i.Size)
	b = wire.AppendBytes(b, 5, i.Digest)
	return b
}

func decodeInfo(b []byte) (Info, error) {
	var i Info
	err := wire.Range(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			i.Number = f.Uint64()
		case 2:
			i.FirstVLSN = f.Uint64()
		case 3:
			i.LastVLSN = f.Uint64()
		case 4:
			i.Size = f.Int64()
		case 5:
			i.Digest = f.Bytes()
		}
		return nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode segment record: %w", err)
	}
	return i, nil
}

// EncodeInfo and DecodeInfo expose the record encoding to the transport layer.
func EncodeInfo(i Info) []byte { return encodeInfo(i) }

func DecodeInfo(b []byte) (Info, error) { return decodeInfo(b) }

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
