package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"

	"github.com/ernie/dayz-tracker/internal/config"
	"github.com/ernie/dayz-tracker/internal/domain"
)

type fakeFile struct {
	data []byte
	mod  time.Time
}

// fakeSession serves files from memory and can mimic the listing and resume
// quirks of real FTP servers.
type fakeSession struct {
	files           map[string]*fakeFile
	nlstOnly        map[string]bool // omitted from LIST, visible to NLST
	listErr         error
	refuseRest      bool // RetrFrom always fails
	restUntilBinary bool // RetrFrom fails until binary mode is set
	binary          bool
	quitCalled      bool
}

func (f *fakeSession) ChangeDir(string) error { return nil }
func (f *fakeSession) Quit() error            { f.quitCalled = true; return nil }
func (f *fakeSession) Type(t ftp.TransferType) error {
	f.binary = t == ftp.TransferTypeBinary
	return nil
}

func (f *fakeSession) List(string) ([]*ftp.Entry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var entries []*ftp.Entry
	for name, file := range f.files {
		if f.nlstOnly[name] {
			continue
		}
		entries = append(entries, &ftp.Entry{
			Name: name,
			Type: ftp.EntryTypeFile,
			Size: uint64(len(file.data)),
			Time: file.mod,
		})
	}
	return entries, nil
}

func (f *fakeSession) NameList(string) ([]string, error) {
	var names []string
	for name := range f.files {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeSession) FileSize(path string) (int64, error) {
	file, ok := f.files[path]
	if !ok {
		return 0, errors.New("no such file")
	}
	return int64(len(file.data)), nil
}

func (f *fakeSession) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	if f.refuseRest {
		return nil, errors.New("REST not supported")
	}
	if f.restUntilBinary && !f.binary {
		return nil, errors.New("REST requires binary mode")
	}
	file, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	if offset > uint64(len(file.data)) {
		return nil, errors.New("offset past EOF")
	}
	return io.NopCloser(bytes.NewReader(file.data[offset:])), nil
}

func (f *fakeSession) Retr(path string) (io.ReadCloser, error) {
	file, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(file.data)), nil
}

type fakeCursorStore struct {
	mu    sync.Mutex
	cur   map[int64]domain.SourceCursor
	saved []domain.SourceCursor
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{cur: make(map[int64]domain.SourceCursor)}
}

func (f *fakeCursorStore) GetCursor(_ context.Context, guildID int64) (*domain.SourceCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cur[guildID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeCursorStore) SaveCursor(_ context.Context, c domain.SourceCursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur[c.GuildID] = c
	f.saved = append(f.saved, c)
	return nil
}

type sourceHarness struct {
	src   *Source
	sess  *fakeSession
	store *fakeCursorStore
	lines []string
	refs  []string
}

func newSourceHarness(sess *fakeSession) *sourceHarness {
	h := &sourceHarness{sess: sess, store: newFakeCursorStore()}
	h.src = NewSource(SourceOptions{
		Config: config.GuildConfig{GuildID: 42, Host: "example.test", Port: 21},
		Store:  h.store,
		Dial: func(config.GuildConfig) (ftpSession, error) {
			return sess, nil
		},
		Dedup:  NewLineDeduplicator(config.DefaultDedupWindow),
		Parser: NewParser(zerolog.Nop()),
		OnLine: func(_ int64, line, ref string, _ time.Time) {
			h.lines = append(h.lines, line)
			h.refs = append(h.refs, ref)
		},
		Log: zerolog.Nop(),
	})
	return h
}

func admLines(n, from int) []byte {
	var buf bytes.Buffer
	for i := from; i < from+n; i++ {
		fmt.Fprintf(&buf, `12:00:%02d | Player "P%d" is connected`+"\n", i%60, i)
	}
	return buf.Bytes()
}

func TestSourceCursorSequence(t *testing.T) {
	ctx := context.Background()

	first := admLines(3, 0)
	sess := &fakeSession{files: map[string]*fakeFile{
		"server_2026-03-14_12-00-00.ADM": {data: first, mod: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
	}}
	h := newSourceHarness(sess)

	// Tick 1: read file A from zero.
	if err := h.src.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(h.lines); got != 3 {
		t.Fatalf("tick 1 delivered %d lines, want 3", got)
	}
	st := h.src.Status()
	if st.FileName != "server_2026-03-14_12-00-00.ADM" || st.Offset != int64(len(first)) {
		t.Fatalf("after tick 1: %+v", st)
	}

	// Tick 2: file A grows; only the new bytes are delivered.
	grown := append(append([]byte{}, first...), admLines(2, 3)...)
	sess.files["server_2026-03-14_12-00-00.ADM"].data = grown
	if err := h.src.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(h.lines); got != 5 {
		t.Fatalf("tick 2 total %d lines, want 5", got)
	}
	if st := h.src.Status(); st.Offset != int64(len(grown)) {
		t.Fatalf("after tick 2: %+v", st)
	}

	// Tick 3: rollover to a newer file B; cursor restarts at zero and no
	// line from A is reprocessed.
	fileB := admLines(1, 10)
	sess.files["server_2026-03-14_18-00-00.ADM"] = &fakeFile{
		data: fileB, mod: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC),
	}
	if err := h.src.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(h.lines); got != 6 {
		t.Fatalf("tick 3 total %d lines, want 6", got)
	}
	if st := h.src.Status(); st.FileName != "server_2026-03-14_18-00-00.ADM" || st.Offset != int64(len(fileB)) {
		t.Fatalf("after tick 3: %+v", st)
	}

	// Persisted cursor sequence: (A, len1) -> (A, len2) -> (B, lenB).
	wantOffsets := []int64{int64(len(first)), int64(len(grown)), int64(len(fileB))}
	if len(h.store.saved) != 3 {
		t.Fatalf("saved %d cursors: %+v", len(h.store.saved), h.store.saved)
	}
	for i, want := range wantOffsets {
		if h.store.saved[i].ByteOffset != want {
			t.Fatalf("cursor %d offset = %d, want %d", i, h.store.saved[i].ByteOffset, want)
		}
	}
	if h.store.saved[2].FileName == h.store.saved[0].FileName {
		t.Fatal("rollover did not switch files")
	}

	seen := make(map[string]bool)
	for _, line := range h.lines {
		if seen[line] {
			t.Fatalf("line reprocessed: %q", line)
		}
		seen[line] = true
	}
}

func TestSourceOffsetPastSizeResets(t *testing.T) {
	data := admLines(2, 0)
	sess := &fakeSession{files: map[string]*fakeFile{
		"current.ADM": {data: data, mod: time.Now()},
	}}
	h := newSourceHarness(sess)
	h.src.cursor = domain.SourceCursor{
		GuildID:    42,
		FileName:   "current.ADM",
		ByteOffset: int64(len(data)) + 500,
	}

	if err := h.src.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.lines); got != 2 {
		t.Fatalf("delivered %d lines after reset, want 2", got)
	}
	if st := h.src.Status(); st.Offset != int64(len(data)) {
		t.Fatalf("status = %+v", st)
	}
}

func TestSourcePartialLineNotConsumed(t *testing.T) {
	complete := admLines(1, 0)
	partial := []byte(`12:00:30 | Player "Trunc`)
	sess := &fakeSession{files: map[string]*fakeFile{
		"current.ADM": {data: append(append([]byte{}, complete...), partial...), mod: time.Now()},
	}}
	h := newSourceHarness(sess)

	if err := h.src.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.lines); got != 1 {
		t.Fatalf("delivered %d lines, want 1", got)
	}
	if st := h.src.Status(); st.Offset != int64(len(complete)) {
		t.Fatalf("offset = %d, want %d (partial line must not advance)", st.Offset, len(complete))
	}

	// The rest of the line arrives: exactly one more line, no replay.
	sess.files["current.ADM"].data = append(sess.files["current.ADM"].data, []byte("ated\" is connected\n")...)
	if err := h.src.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.lines); got != 2 {
		t.Fatalf("delivered %d lines, want 2", got)
	}
}

func TestSourceBinaryModeRetry(t *testing.T) {
	sess := &fakeSession{
		files:           map[string]*fakeFile{"current.ADM": {data: admLines(2, 0), mod: time.Now()}},
		restUntilBinary: true,
	}
	h := newSourceHarness(sess)

	if err := h.src.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !sess.binary {
		t.Fatal("binary mode never requested")
	}
	if got := len(h.lines); got != 2 {
		t.Fatalf("delivered %d lines, want 2", got)
	}
}

func TestSourceWholeFileFallback(t *testing.T) {
	data := admLines(4, 0)
	sess := &fakeSession{
		files:      map[string]*fakeFile{"current.ADM": {data: data, mod: time.Now()}},
		refuseRest: true,
	}
	h := newSourceHarness(sess)
	half := int64(len(admLines(2, 0)))
	h.src.cursor = domain.SourceCursor{GuildID: 42, FileName: "current.ADM", ByteOffset: half}

	if err := h.src.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Only the bytes past the cursor come through.
	if got := len(h.lines); got != 2 {
		t.Fatalf("delivered %d lines, want 2: %v", got, h.lines)
	}
	if st := h.src.Status(); st.Offset != int64(len(data)) {
		t.Fatalf("offset = %d, want %d", st.Offset, len(data))
	}
}

func TestSourceDiscoveryUnion(t *testing.T) {
	sess := &fakeSession{
		files:    map[string]*fakeFile{"hidden.ADM": {data: admLines(1, 0)}},
		nlstOnly: map[string]bool{"hidden.ADM": true},
	}
	h := newSourceHarness(sess)

	if err := h.src.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(h.lines); got != 1 {
		t.Fatalf("delivered %d lines, want 1", got)
	}
	if st := h.src.Status(); st.FileName != "hidden.ADM" {
		t.Fatalf("status = %+v", st)
	}
}

func TestSourceRefFormat(t *testing.T) {
	sess := &fakeSession{files: map[string]*fakeFile{
		"current.ADM": {data: admLines(2, 0), mod: time.Now()},
	}}
	h := newSourceHarness(sess)
	if err := h.src.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"ftp:current.ADM@~0+0", "ftp:current.ADM@~0+1"}
	for i, ref := range want {
		if h.refs[i] != ref {
			t.Fatalf("ref[%d] = %q, want %q", i, h.refs[i], ref)
		}
	}
}

func TestPickLatest(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		files map[string]remoteFile
		want  string
	}{
		{
			name: "modtime-wins",
			files: map[string]remoteFile{
				"a.ADM": {mod: t0},
				"b.ADM": {mod: t0.Add(time.Hour)},
			},
			want: "b.ADM",
		},
		{
			name: "filename-stamp",
			files: map[string]remoteFile{
				"srv_2026-03-13_23-59-59.ADM": {size: -1},
				"srv_2026-03-14_00-00-01.ADM": {size: -1},
			},
			want: "srv_2026-03-14_00-00-01.ADM",
		},
		{
			name: "lexicographic-fallback",
			files: map[string]remoteFile{
				"alpha.ADM": {size: -1},
				"omega.ADM": {size: -1},
			},
			want: "omega.ADM",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickLatest(tt.files); got != tt.want {
				t.Fatalf("pickLatest = %q, want %q", got, tt.want)
			}
		})
	}
}
