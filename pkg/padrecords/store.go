// Package padrecords implements the persistent mapping from pad
// identifier to consumed byte ranges: the "pad-records" XML file kept
// in a user's configuration area (by default ~/.onetime/). A Store is
// opened once, mutated in memory by the pad session that registers
// with it, and flushed atomically on a clean finish.
package padrecords

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rayozzie/onetime/pkg/onetimeerr"
	"github.com/rayozzie/onetime/pkg/trace"
)

// UsedRange is a consumed (offset, length) slice of a pad.
type UsedRange struct {
	Offset int64
	Length int64
}

// Record is one pad's entry in the store: its consolidated used ranges
// plus any unrecognized child elements, preserved verbatim for forward
// compatibility with newer pad-records writers.
type Record struct {
	Used  []UsedRange
	Extra map[string]string
}

// Store is the in-memory, mutated-on-register, persisted-on-save
// mapping from pad identifier to Record.
type Store struct {
	configArea  string // "" for default, "-" for ephemeral/in-memory
	dir         string
	recordsPath string
	ephemeral   bool
	records     map[string]*Record
}

const reservedIdentifierStretch = 32

// Open resolves configArea (default "~/.onetime", or "-" for an
// ephemeral in-memory-only store), migrates a legacy "~/.otp"
// directory if applicable, ensures the pad-records file exists, and
// parses it. A structurally invalid document yields an empty store
// rather than an error: a malformed pad-records file is recoverable by
// re-running, and making it fatal would strand the user.
func Open(ctx context.Context, configArea string) (*Store, error) {
	log := trace.FromContext(ctx).WithPrefix("PAD-RECORDS")

	if configArea == "-" {
		log.Debugf("opening ephemeral in-memory store")
		return &Store{ephemeral: true, records: make(map[string]*Record)}, nil
	}

	dir := configArea
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving default config area: %w", err)
		}
		dir = filepath.Join(home, ".onetime")
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if migrated, merr := migrateLegacyConfigDir(ctx, dir); merr != nil {
			return nil, merr
		} else if !migrated {
			log.Debugf("creating config area %s", dir)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating config area %s: %w", dir, err)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("checking config area %s: %w", dir, err)
	}

	recordsPath := filepath.Join(dir, "pad-records")
	if _, err := os.Stat(recordsPath); os.IsNotExist(err) {
		if err := os.WriteFile(recordsPath, nil, 0o600); err != nil {
			return nil, fmt.Errorf("creating pad-records file %s: %w", recordsPath, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("checking pad-records file %s: %w", recordsPath, err)
	}

	records, err := parsePadRecordsFile(recordsPath)
	if err != nil {
		log.Warnf("pad-records file %s could not be read, starting from an empty store: %v", recordsPath, err)
		records = make(map[string]*Record)
	}

	return &Store{dir: dir, recordsPath: recordsPath, records: records}, nil
}

// MigrateLegacyConfigDir renames a legacy "~/.otp" directory to the
// given target directory if and only if target does not already exist
// and the legacy directory contains a "pad-records" file. It is called
// automatically by Open but is also exposed standalone so the migration
// behavior is independently testable.
func MigrateLegacyConfigDir(ctx context.Context, targetDir string) (bool, error) {
	return migrateLegacyConfigDir(ctx, targetDir)
}

func migrateLegacyConfigDir(ctx context.Context, targetDir string) (bool, error) {
	log := trace.FromContext(ctx).WithPrefix("PAD-RECORDS")
	home, err := os.UserHomeDir()
	if err != nil {
		return false, nil
	}
	legacyDir := filepath.Join(home, ".otp")
	legacyRecords := filepath.Join(legacyDir, "pad-records")
	if _, err := os.Stat(legacyRecords); err != nil {
		return false, nil
	}
	if _, err := os.Stat(targetDir); err == nil {
		return false, nil
	}
	log.Infof("migrating legacy config area %s to %s", legacyDir, targetDir)
	if err := os.Rename(legacyDir, targetDir); err != nil {
		return false, fmt.Errorf("migrating legacy config area %s to %s: %w", legacyDir, targetDir, err)
	}
	return true, nil
}

// Register locates the record for currentID; if absent, it looks for
// legacyID and upgrades that record in place (preserving its used
// ranges and extra elements) rather than creating a fresh one. If both
// identifiers are already present, that is an impossible state and a
// Configuration error.
func (s *Store) Register(ctx context.Context, currentID, legacyID string) error {
	log := trace.FromContext(ctx).WithPrefix("PAD-RECORDS")

	_, hasCurrent := s.records[currentID]
	_, hasLegacy := s.records[legacyID]

	switch {
	case hasCurrent && hasLegacy:
		return &onetimeerr.Configuration{Reason: fmt.Sprintf(
			"pad has both current and legacy identifiers present in pad-records: current=%s legacy=%s", currentID, legacyID)}
	case hasCurrent:
		return nil
	case hasLegacy:
		log.Infof("upgrading legacy pad identifier %s to %s", legacyID, currentID)
		s.records[currentID] = s.records[legacyID]
		delete(s.records, legacyID)
		return nil
	default:
		s.records[currentID] = &Record{Used: nil, Extra: make(map[string]string)}
		return nil
	}
}

// NextOffset returns the end offset of the last consolidated range for
// padID, or the reserved identifier stretch (32), whichever is larger.
// Gaps between consolidated ranges are deliberately left unreclaimed.
func (s *Store) NextOffset(padID string) int64 {
	rec, ok := s.records[padID]
	if !ok || len(rec.Used) == 0 {
		return reservedIdentifierStretch
	}
	last := rec.Used[len(rec.Used)-1]
	end := last.Offset + last.Length
	if end < reservedIdentifierStretch {
		return reservedIdentifierStretch
	}
	return end
}

// RecordConsumed appends (offset, length) to padID's used ranges and
// re-consolidates. If allowOverlap is false, any true overlap (not mere
// touching) with an existing range is a Configuration error. Callers
// pass false when encrypting and true when decrypting, since
// re-decrypting the same message must remain legal.
func (s *Store) RecordConsumed(padID string, offset, length int64, allowOverlap bool) error {
	rec, ok := s.records[padID]
	if !ok {
		rec = &Record{Extra: make(map[string]string)}
		s.records[padID] = rec
	}
	rec.Used = append(rec.Used, UsedRange{Offset: offset, Length: length})
	consolidated, err := Consolidate(rec.Used, allowOverlap)
	if err != nil {
		return err
	}
	rec.Used = consolidated
	return nil
}

// Consolidate reduces a list of (possibly unsorted, possibly touching
// or overlapping) ranges to the shortest equivalent covering list.
// Touching ranges (successor offset == predecessor end) always merge.
// A successor beginning strictly inside a predecessor is a true overlap
// and is only tolerated when allowOverlap is true.
func Consolidate(used []UsedRange, allowOverlap bool) ([]UsedRange, error) {
	if len(used) == 0 {
		return nil, nil
	}
	sorted := make([]UsedRange, len(used))
	copy(sorted, used)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var result []UsedRange
	lastOffset, lastLength := sorted[0].Offset, sorted[0].Length
	for _, r := range sorted[1:] {
		if lastOffset+lastLength >= r.Offset {
			if lastOffset+lastLength > r.Offset && !allowOverlap {
				return nil, &onetimeerr.Configuration{Reason: fmt.Sprintf(
					"pad's used ranges are incoherent: range (%d,%d) overlaps (%d,%d)",
					lastOffset, lastLength, r.Offset, r.Length)}
			}
			if r.Offset+r.Length > lastOffset+lastLength {
				lastLength = (r.Offset - lastOffset) + r.Length
			}
		} else {
			result = append(result, UsedRange{Offset: lastOffset, Length: lastLength})
			lastOffset, lastLength = r.Offset, r.Length
		}
	}
	result = append(result, UsedRange{Offset: lastOffset, Length: lastLength})
	return result, nil
}

// Save is a no-op for an ephemeral store. Otherwise it writes the
// current records to pad-records.tmp, renames the live file to
// pad-records.int, renames .tmp to live, then removes .int. If .int
// already exists at save time, Save refuses: that is a leftover from a
// prior failed save and needs human intervention rather than silent
// data loss.
func (s *Store) Save(ctx context.Context) error {
	log := trace.FromContext(ctx).WithPrefix("PAD-RECORDS")
	if s.ephemeral {
		log.Debugf("ephemeral store, skipping save")
		return nil
	}

	intermediate := s.recordsPath + ".int"
	if _, err := os.Stat(intermediate); err == nil {
		return &onetimeerr.Configuration{Reason: fmt.Sprintf(
			"leftover intermediate pad-records file found, please resolve manually: %s", intermediate)}
	}

	tmp := s.recordsPath + ".tmp"
	if err := writePadRecordsFile(tmp, s.records); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(s.recordsPath, intermediate); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", s.recordsPath, intermediate, err)
	}
	if err := os.Rename(tmp, s.recordsPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, s.recordsPath, err)
	}
	if err := os.Remove(intermediate); err != nil {
		return fmt.Errorf("removing intermediate file %s: %w", intermediate, err)
	}
	log.Debugf("saved %d pad records", len(s.records))
	return nil
}

// --- XML encoding, hand-decoded to preserve unknown elements verbatim ---

func parsePadRecordsFile(path string) (map[string]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parsePadRecords(f)
}

func parsePadRecords(r io.Reader) (map[string]*Record, error) {
	records := make(map[string]*Record)
	dec := xml.NewDecoder(r)

	var curID string
	var curRecord *Record
	var curUsed *UsedRange
	var elementStack []string
	var charData string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return make(map[string]*Record), nil
		}
		switch t := tok.(type) {
		case xml.StartElement:
			elementStack = append(elementStack, t.Name.Local)
			charData = ""
			switch t.Name.Local {
			case "pad-record":
				curRecord = &Record{Extra: make(map[string]string)}
				curID = ""
			case "used":
				curUsed = &UsedRange{}
			}
		case xml.CharData:
			charData += string(t)
		case xml.EndElement:
			name := t.Name.Local
			if len(elementStack) > 0 {
				elementStack = elementStack[:len(elementStack)-1]
			}
			switch name {
			case "id":
				curID = charData
			case "offset":
				if curUsed != nil {
					if v, err := strconv.ParseInt(charData, 10, 64); err == nil {
						curUsed.Offset = v
					}
				}
			case "length":
				if curUsed != nil {
					if v, err := strconv.ParseInt(charData, 10, 64); err == nil {
						curUsed.Length = v
					}
				}
			case "used":
				if curRecord != nil && curUsed != nil {
					curRecord.Used = append(curRecord.Used, *curUsed)
				}
				curUsed = nil
			case "pad-record":
				if curRecord != nil && curID != "" {
					consolidated, cerr := Consolidate(curRecord.Used, true)
					if cerr == nil {
						curRecord.Used = consolidated
					}
					records[curID] = curRecord
				}
				curRecord = nil
			default:
				if curRecord != nil && curUsed == nil && name != "onetime-pad-records" {
					curRecord.Extra[name] = charData
				}
			}
		}
	}
	return records, nil
}

func writePadRecordsFile(path string, records map[string]*Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return writePadRecords(f, records)
}

func writePadRecords(w io.Writer, records map[string]*Record) error {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if _, err := io.WriteString(w, "<onetime-pad-records>\n"); err != nil {
		return err
	}
	for _, id := range ids {
		rec := records[id]
		if _, err := fmt.Fprintf(w, "  <pad-record>\n    <id>%s</id>\n", id); err != nil {
			return err
		}
		consolidated, err := Consolidate(rec.Used, true)
		if err != nil {
			return err
		}
		for _, u := range consolidated {
			if _, err := fmt.Fprintf(w, "    <used><offset>%d</offset><length>%d</length></used>\n", u.Offset, u.Length); err != nil {
				return err
			}
		}
		extraKeys := make([]string, 0, len(rec.Extra))
		for k := range rec.Extra {
			extraKeys = append(extraKeys, k)
		}
		sort.Strings(extraKeys)
		for _, k := range extraKeys {
			if _, err := fmt.Fprintf(w, "    <%s>", k); err != nil {
				return err
			}
			if err := xml.EscapeText(w, []byte(rec.Extra[k])); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "</%s>\n", k); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "  </pad-record>\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "</onetime-pad-records>\n")
	return err
}
