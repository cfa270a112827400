package coverage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const fileVersion = 1

type savedRecord struct {
	Unit        string      `json:"unit"`
	Fingerprint string      `json:"fingerprint"`
	Hits        map[int]int `json:"hits"`
}

type savedFile struct {
	Version int           `json:"version"`
	Records []savedRecord `json:"records"`
}

// Save writes the hits of every record, zstd-compressed, so a later run
// can keep accumulating. Records still pending from Load are kept.
func (t *Tracker) Save(w io.Writer) error {
	t.mu.Lock()
	f := savedFile{Version: fileVersion}
	for _, r := range t.records {
		f.Records = append(f.Records, savedRecord{Unit: r.unit, Fingerprint: r.fingerprint, Hits: maps.Clone(r.hits)})
	}
	for unit, r := range t.pending {
		if _, ok := t.records[unit]; !ok {
			f.Records = append(f.Records, r)
		}
	}
	t.mu.Unlock()
	slices.SortFunc(f.Records, func(a, b savedRecord) bool { return a.Unit < b.Unit })

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(&f); err != nil {
		zw.Close()
		return fmt.Errorf("encoding coverage: %w", err)
	}
	return zw.Close()
}

// Load reads records written by Save. They are merged into a unit when it
// begins, and only if the unit's source still has the saved fingerprint.
func (t *Tracker) Load(r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()
	var f savedFile
	if err := json.NewDecoder(zr).Decode(&f); err != nil {
		return fmt.Errorf("decoding coverage: %w", err)
	}
	if f.Version != fileVersion {
		return fmt.Errorf("coverage file version %d, want %d", f.Version, fileVersion)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range f.Records {
		if cur, ok := t.records[rec.Unit]; ok && cur.state == Accumulating {
			if cur.fingerprint == rec.Fingerprint {
				for line, n := range rec.Hits {
					cur.hits[line] += n
				}
			}
			continue
		}
		t.pending[rec.Unit] = rec
	}
	return nil
}

// SaveFile writes the tracker to path.
func (t *Tracker) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads path if it exists.
func (t *Tracker) LoadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return t.Load(f)
}
