package segment

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"

	"go.etcd.io/bbolt"
)

// Staging collects the segments received during one restore session. Nothing in the live log changes until
// Install; Abandon discards everything received.
type Staging struct {
	store *Store
	dir   string
	files []Info
	done  bool
}

// Stage creates an empty staging area for session.
func (s *Store) Stage(session string) (*Staging, error) {
	dir := filepath.Join(s.root, stageDirName, session)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &Staging{store: s, dir: dir}, nil
}

// Dir returns the staging directory.
func (st *Staging) Dir() string { return st.dir }

// Files returns the segments committed to the staging area so far.
func (st *Staging) Files() []Info {
	out := make([]Info, len(st.files))
	copy(out, st.files)
	return out
}

// Bytes returns the total size of the committed segments.
func (st *Staging) Bytes() int64 {
	var n int64
	for _, f := range st.files {
		n += f.Size
	}
	return n
}

// FileWriter receives the contents of one segment. Commit verifies size and digest against the announced Info.
type FileWriter struct {
	staging *Staging
	info    Info
	f       *os.File
	h       hash.Hash
	n       int64
}

// Create starts receiving the segment described by info.
func (st *Staging) Create(info Info) (*FileWriter, error) {
	if st.done {
		return nil, errors.New("staging area already closed")
	}
	if info.FirstVLSN > info.LastVLSN {
		return nil, fmt.Errorf("%w: %s %d > %d", ErrBadRange, info.Name(), info.FirstVLSN, info.LastVLSN)
	}
	f, err := os.Create(filepath.Join(st.dir, info.Name()))
	if err != nil {
		return nil, fmt.Errorf("failed to create staged %s: %w", info.Name(), err)
	}
	return &FileWriter{staging: st, info: info, f: f, h: sha256.New()}, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Commit syncs the file and records it in the staging area. A size or digest mismatch removes the file.
func (w *FileWriter) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.discard()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	if w.n != w.info.Size || !bytes.Equal(w.h.Sum(nil), w.info.Digest) {
		os.Remove(w.f.Name())
		return fmt.Errorf("%w: %s (%d of %d bytes)", ErrDigestMismatch, w.info.Name(), w.n, w.info.Size)
	}
	w.staging.files = append(w.staging.files, w.info)
	return nil
}

// Discard drops a partially received file.
func (w *FileWriter) Discard() {
	w.discard()
}

func (w *FileWriter) discard() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// ErrInstallFailed wraps every Install failure. The live log is left as it was before the call.
var ErrInstallFailed = errors.New("failed to install restored segments")

// Install replaces the live log with the staged segments. The previous segment files are renamed to *.bup when
// retain is set and deleted otherwise. It returns the number of bytes installed.
//
// The previous files are first moved aside into the staging area. If moving the staged files in or rewriting the
// index fails, everything moved is put back, so the log is either fully replaced or unchanged.
func (st *Staging) Install(retain bool) (int64, error) {
	if st.done {
		return 0, errors.New("staging area already closed")
	}
	st.done = true
	defer os.RemoveAll(st.dir)

	files := st.Files()
	sort.Slice(files, func(i, j int) bool { return files[i].Number < files[j].Number })
	for i := 1; i < len(files); i++ {
		if files[i].FirstVLSN <= files[i-1].LastVLSN {
			return 0, fmt.Errorf("%w: %s overlaps %s", ErrBadRange, files[i].Name(), files[i-1].Name())
		}
	}
	for _, seg := range files {
		if _, err := os.Stat(filepath.Join(st.dir, seg.Name())); err != nil {
			return 0, fmt.Errorf("%w: staged %s: %w", ErrInstallFailed, seg.Name(), err)
		}
	}

	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.segmentsLocked()
	if err != nil {
		return 0, err
	}

	replacedDir := filepath.Join(st.dir, replacedDirName)
	if err := os.MkdirAll(replacedDir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	var (
		movedOut  []string
		installed []string
	)
	undo := func() {
		for _, name := range installed {
			if err := os.Remove(filepath.Join(s.Dir(), name)); err != nil {
				s.logger.Errorf("failed to remove installed %s while undoing: %v", name, err)
			}
		}
		for _, name := range movedOut {
			if err := os.Rename(filepath.Join(replacedDir, name), filepath.Join(s.Dir(), name)); err != nil {
				s.logger.Errorf("failed to put back %s while undoing: %v", name, err)
			}
		}
	}

	for _, seg := range old {
		err := os.Rename(filepath.Join(s.Dir(), seg.Name()), filepath.Join(replacedDir, seg.Name()))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			undo()
			return 0, fmt.Errorf("%w: moving aside %s: %w", ErrInstallFailed, seg.Name(), err)
		}
		movedOut = append(movedOut, seg.Name())
	}

	for _, seg := range files {
		if err := os.Rename(filepath.Join(st.dir, seg.Name()), filepath.Join(s.Dir(), seg.Name())); err != nil {
			undo()
			return 0, fmt.Errorf("%w: %s: %w", ErrInstallFailed, seg.Name(), err)
		}
		installed = append(installed, seg.Name())
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(segmentsBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(segmentsBucket)
		if err != nil {
			return err
		}
		for _, seg := range files {
			if err := b.Put(uint64ToBytes(seg.Number), encodeInfo(seg)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		undo()
		return 0, fmt.Errorf("%w: rewriting segment index: %w", ErrInstallFailed, err)
	}

	// The new log is in place; from here on failures only leave stray files behind
	for _, name := range movedOut {
		var err error
		if retain {
			err = os.Rename(filepath.Join(replacedDir, name), filepath.Join(s.Dir(), name+backupSuffix))
		} else {
			err = os.Remove(filepath.Join(replacedDir, name))
		}
		if err != nil {
			s.logger.Warnf("failed to dispose of replaced %s: %v", name, err)
		}
	}

	s.logger.Infof("installed %d segments (%d bytes), replaced %d (retained=%v)", len(files), st.Bytes(), len(old), retain)
	return st.Bytes(), nil
}

// Abandon discards the staging area without touching the live log. It is safe to call after Install.
func (st *Staging) Abandon() error {
	if st.done {
		return nil
	}
	st.done = true
	return os.RemoveAll(st.dir)
}
