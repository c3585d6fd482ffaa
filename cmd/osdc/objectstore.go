package main

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/congxueyang/osdc/internal/telemetry"
)

// objectStore is the reference daemon's backing store: one file per
// object, offset/length addressed, adapted from the teacher's
// whole-chunk LocalDiscChunkService into the byte-range granularity an
// OSD_OP read/write actually needs.
type objectStore struct {
	baseDir string
	log     telemetry.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newObjectStore(baseDir string, log telemetry.Logger) *objectStore {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		panic(err)
	}
	return &objectStore{
		baseDir: baseDir,
		log:     telemetry.Component(log, "objectstore"),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *objectStore) path(oid string) string {
	return filepath.Join(s.baseDir, oid+".obj")
}

func (s *objectStore) lockFor(oid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[oid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[oid] = l
	}
	return l
}

// ReadAt reads length bytes at offset off from oid, returning a short
// slice if the object is smaller than off+length.
func (s *objectStore) ReadAt(oid string, off, length uint64) ([]byte, error) {
	l := s.lockFor(oid)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(s.path(oid))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(off))
	if err != nil && n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

// WriteAt writes data at offset off into oid, creating the object file
// if needed. It never truncates the object.
func (s *objectStore) WriteAt(oid string, off uint64, data []byte) error {
	l := s.lockFor(oid)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(s.path(oid), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, int64(off))
	return err
}

// Delete removes an object entirely.
func (s *objectStore) Delete(oid string) error {
	l := s.lockFor(oid)
	l.Lock()
	defer l.Unlock()
	err := os.Remove(s.path(oid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
