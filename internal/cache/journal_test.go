package cache

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseRecord(t *testing.T) {
	testCases := []struct {
		name      string
		line      string
		want      Record
		shouldErr bool
	}{
		{"clean", "CLEAN abc 3 4", Record{Kind: RecordClean, Key: "abc", Sizes: []int64{3, 4}}, false},
		{"dirty", "DIRTY abc", Record{Kind: RecordDirty, Key: "abc"}, false},
		{"remove", "REMOVE abc", Record{Kind: RecordRemove, Key: "abc"}, false},
		{"read", "READ abc", Record{Kind: RecordRead, Key: "abc"}, false},
		{"clean missing size", "CLEAN abc 3", Record{}, true},
		{"negative size", "CLEAN abc 3 -1", Record{}, true},
		{"dirty extra field", "DIRTY abc 1", Record{}, true},
		{"unknown kind", "UPSERT abc", Record{}, true},
		{"bad key", "DIRTY ABC", Record{}, true},
		{"empty", "", Record{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseRecord(tc.line, 2)
			if tc.shouldErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.line, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("parse mismatch: got %+v want %+v", got, tc.want)
			}
			if got.String() != tc.line {
				t.Fatalf("round trip mismatch: %q", got.String())
			}
		})
	}
}

func TestOpenJournalCreatesHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	j, replay, err := OpenJournal(dir, 3, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if !replay.Created {
		t.Fatalf("expected fresh journal to be reported as created")
	}
	data, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	want := "tiercache.DiskJournal\n1\n3\n1\n\n"
	if string(data) != want {
		t.Fatalf("unexpected header %q", string(data))
	}
}

func TestJournalReplayIgnoresReadOrdering(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, 1, 1,
		"CLEAN a 1",
		"CLEAN b 2",
		"READ a",
		"CLEAN c 3",
		"REMOVE b",
		"CLEAN b 4",
	)

	j, replay, err := OpenJournal(dir, 1, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if replay.Truncated || replay.Invalidated {
		t.Fatalf("unexpected replay flags: %+v", replay)
	}
	if replay.Records != 6 || j.Records() != 6 {
		t.Fatalf("expected 6 records, got replay=%d journal=%d", replay.Records, j.Records())
	}
	got := replayKeys(replay)
	if want := []string{"a", "c", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("replay order mismatch: got %v want %v", got, want)
	}
	if replay.Entries[2].Sizes[0] != 4 {
		t.Fatalf("expected latest size for b, got %v", replay.Entries[2].Sizes)
	}
}

func TestJournalTruncatedTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, 1, 1, "CLEAN a 1", "CLEAN b 2")
	appendRaw(t, dir, "CLEAN c")

	j, replay, err := OpenJournal(dir, 1, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if !replay.Truncated {
		t.Fatalf("expected truncated tail to be detected")
	}
	if got := replayKeys(replay); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected entries after truncation: %v", got)
	}
	data, _ := os.ReadFile(filepath.Join(dir, journalFile))
	if strings.Contains(string(data), "CLEAN c") {
		t.Fatalf("truncated tail should be rewritten away: %q", string(data))
	}
}

func TestJournalMalformedLineStopsReplay(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, 1, 1, "CLEAN a 1", "GARBAGE", "CLEAN b 2")

	j, replay, err := OpenJournal(dir, 1, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if !replay.Truncated {
		t.Fatalf("expected malformed line to mark replay truncated")
	}
	if got := replayKeys(replay); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("records after the malformed line must be ignored, got %v", got)
	}
}

func TestJournalAbandonedDirtyRecord(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, 1, 1, "CLEAN a 1", "DIRTY b", "CLEAN c 1", "DIRTY c")

	j, replay, err := OpenJournal(dir, 1, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if got := replayKeys(replay); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("dirty entries must not be replayed as clean, got %v", got)
	}
	if !reflect.DeepEqual(replay.Abandoned, []string{"b", "c"}) {
		t.Fatalf("unexpected abandoned keys: %v", replay.Abandoned)
	}
	data, _ := os.ReadFile(filepath.Join(dir, journalFile))
	if !strings.HasSuffix(string(data), "REMOVE b\nREMOVE c\n") {
		t.Fatalf("expected REMOVE records for abandoned edits, got %q", string(data))
	}
}

func TestJournalVersionMismatchWipesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, 1, 1, "CLEAN a 1")
	if err := os.WriteFile(filepath.Join(dir, "a.0"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write value: %v", err)
	}

	j, replay, err := OpenJournal(dir, 2, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if !replay.Invalidated {
		t.Fatalf("expected version mismatch to invalidate the directory")
	}
	if len(replay.Entries) != 0 {
		t.Fatalf("expected no entries, got %v", replayKeys(replay))
	}
	if _, err := os.Stat(filepath.Join(dir, "a.0")); !os.IsNotExist(err) {
		t.Fatalf("expected data file to be wiped, stat err=%v", err)
	}
}

func TestJournalValueCountMismatchWipesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, 1, 1, "CLEAN a 1")

	j, replay, err := OpenJournal(dir, 1, 2)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	if !replay.Invalidated {
		t.Fatalf("expected value count mismatch to invalidate the directory")
	}
}

func TestJournalRestoresBackup(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, 1, 1, "CLEAN a 1")
	if err := os.Rename(filepath.Join(dir, journalFile), filepath.Join(dir, journalBackupFile)); err != nil {
		t.Fatalf("rename: %v", err)
	}

	j, replay, err := OpenJournal(dir, 1, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if got := replayKeys(replay); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected backup to be restored, got %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, journalBackupFile)); !os.IsNotExist(err) {
		t.Fatalf("backup should be consumed, stat err=%v", err)
	}
}

func TestJournalRewriteReplacesBody(t *testing.T) {
	dir := t.TempDir()
	j, _, err := OpenJournal(dir, 1, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	for i := 0; i < 5; i++ {
		if err := j.Append(Record{Kind: RecordRead, Key: "a"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Rewrite([]Record{{Kind: RecordClean, Key: "a", Sizes: []int64{7}}}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if j.Records() != 1 {
		t.Fatalf("expected 1 record after rewrite, got %d", j.Records())
	}
	if err := j.Append(Record{Kind: RecordRemove, Key: "a"}); err != nil {
		t.Fatalf("append after rewrite: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, journalFile))
	if !strings.HasSuffix(string(data), "\n\nCLEAN a 7\nREMOVE a\n") {
		t.Fatalf("unexpected journal body %q", string(data))
	}
}

func TestJournalFailedRewriteKeepsAppending(t *testing.T) {
	dir := t.TempDir()
	j, _, err := OpenJournal(dir, 1, 1)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if err := j.Append(Record{Kind: RecordClean, Key: "a", Sizes: []int64{3}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// journal.tmp 被目录占用，创建临时文件必然失败。
	if err := os.MkdirAll(filepath.Join(dir, journalTempFile, "blocker"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := j.Rewrite([]Record{{Kind: RecordClean, Key: "a", Sizes: []int64{3}}}); err == nil {
		t.Fatalf("expected rewrite to fail")
	}
	if err := j.Append(Record{Kind: RecordClean, Key: "b", Sizes: []int64{4}}); err != nil {
		t.Fatalf("append after failed rewrite: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, journalFile))
	if !strings.HasSuffix(string(data), "\n\nCLEAN a 3\nCLEAN b 4\n") {
		t.Fatalf("unexpected journal body %q", string(data))
	}
	if _, err := os.Stat(filepath.Join(dir, journalBackupFile)); !os.IsNotExist(err) {
		t.Fatalf("backup should not be left behind, stat err=%v", err)
	}
}

func TestOpenJournalUnavailableDirectory(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, _, err := OpenJournal(filepath.Join(blocker, "cache"), 1, 1)
	if err == nil {
		t.Fatalf("expected error when directory cannot be created")
	}
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("expected ErrCacheUnavailable, got %v", err)
	}
}

func TestNeedsCompaction(t *testing.T) {
	testCases := []struct {
		records, live, threshold int
		want                     bool
	}{
		{records: 10, live: 10, threshold: 4, want: false},
		{records: 14, live: 10, threshold: 4, want: false},
		{records: 20, live: 10, threshold: 4, want: true},
		{records: 5, live: 1, threshold: 4, want: true},
		{records: 4, live: 1, threshold: 4, want: false},
	}
	for _, tc := range testCases {
		if got := needsCompaction(tc.records, tc.live, tc.threshold); got != tc.want {
			t.Fatalf("needsCompaction(%d,%d,%d)=%v want %v", tc.records, tc.live, tc.threshold, got, tc.want)
		}
	}
}

func writeJournal(t *testing.T, dir string, appVersion, valueCount int, lines ...string) {
	t.Helper()
	j := &Journal{dir: dir, appVersion: appVersion, valueCount: valueCount}
	body := strings.Join(j.header(), "\n") + "\n"
	for _, line := range lines {
		body += line + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, journalFile), []byte(body), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}
}

func appendRaw(t *testing.T, dir, raw string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(raw); err != nil {
		t.Fatalf("append journal: %v", err)
	}
}

func replayKeys(replay *Replay) []string {
	keys := make([]string, 0, len(replay.Entries))
	for _, entry := range replay.Entries {
		keys = append(keys, entry.Key)
	}
	return keys
}
