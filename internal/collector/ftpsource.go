package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"

	"github.com/ernie/dayz-tracker/internal/config"
	"github.com/ernie/dayz-tracker/internal/domain"
)

// ftpSession is the slice of the FTP client the source needs. Production
// uses a real server connection; tests substitute a fake.
type ftpSession interface {
	ChangeDir(path string) error
	List(path string) ([]*ftp.Entry, error)
	NameList(path string) ([]string, error)
	FileSize(path string) (int64, error)
	RetrFrom(path string, offset uint64) (io.ReadCloser, error)
	Retr(path string) (io.ReadCloser, error)
	Type(t ftp.TransferType) error
	Quit() error
}

// DialFunc opens a logged-in FTP session for a guild.
type DialFunc func(cfg config.GuildConfig) (ftpSession, error)

// DialFTP is the production DialFunc.
func DialFTP(cfg config.GuildConfig) (ftpSession, error) {
	c, err := ftp.Dial(cfg.Addr(), ftp.DialWithTimeout(config.DialTimeout))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return &serverConn{conn: c}, nil
}

// serverConn adapts *ftp.ServerConn to ftpSession and puts a read deadline
// on every transfer so a stalled server cannot wedge the poll loop.
type serverConn struct {
	conn *ftp.ServerConn
}

func (s *serverConn) ChangeDir(path string) error            { return s.conn.ChangeDir(path) }
func (s *serverConn) List(path string) ([]*ftp.Entry, error) { return s.conn.List(path) }
func (s *serverConn) NameList(path string) ([]string, error) { return s.conn.NameList(path) }
func (s *serverConn) FileSize(path string) (int64, error)    { return s.conn.FileSize(path) }
func (s *serverConn) Type(t ftp.TransferType) error          { return s.conn.Type(t) }
func (s *serverConn) Quit() error                            { return s.conn.Quit() }

func (s *serverConn) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	resp, err := s.conn.RetrFrom(path, offset)
	if err != nil {
		return nil, err
	}
	resp.SetDeadline(time.Now().Add(config.DialTimeout))
	return resp, nil
}

func (s *serverConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := s.conn.Retr(path)
	if err != nil {
		return nil, err
	}
	resp.SetDeadline(time.Now().Add(config.DialTimeout))
	return resp, nil
}

// CursorStore persists the per-guild read position across restarts.
type CursorStore interface {
	GetCursor(ctx context.Context, guildID int64) (*domain.SourceCursor, error)
	SaveCursor(ctx context.Context, c domain.SourceCursor) error
}

// LineCallback receives every accepted raw line.
type LineCallback func(guildID int64, line, sourceRef string, ts time.Time)

// EventCallback receives every parsed event along with the source ref of
// the line that produced it.
type EventCallback func(guildID int64, ev *LogEvent, sourceRef string)

// SourceOptions wires one guild's polling loop.
type SourceOptions struct {
	Config  config.GuildConfig
	Store   CursorStore
	Dial    DialFunc
	Dedup   *LineDeduplicator
	Parser  *Parser
	Archive *Archive // optional
	OnLine  LineCallback
	OnEvent EventCallback
	Log     zerolog.Logger
}

// Source polls one guild's FTP endpoint: discovers the current ADM file,
// reads only bytes past the cursor, and feeds complete lines through dedup
// and the parser. Transport faults are logged and absorbed; the loop keeps
// polling until stopped.
type Source struct {
	cfg     config.GuildConfig
	store   CursorStore
	dial    DialFunc
	dedup   *LineDeduplicator
	parser  *Parser
	archive *Archive
	onLine  LineCallback
	onEvent EventCallback
	log     zerolog.Logger

	mu     sync.Mutex
	cursor domain.SourceCursor
	status domain.SourceStatus

	done     chan struct{}
	stopOnce sync.Once
}

func NewSource(opts SourceOptions) *Source {
	return &Source{
		cfg:     opts.Config,
		store:   opts.Store,
		dial:    opts.Dial,
		dedup:   opts.Dedup,
		parser:  opts.Parser,
		archive: opts.Archive,
		onLine:  opts.OnLine,
		onEvent: opts.OnEvent,
		log:     opts.Log.With().Int64("guild", opts.Config.GuildID).Logger(),
		done:    make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called. The first tick fires
// immediately so a restart resumes without waiting out an interval.
func (s *Source) Run(ctx context.Context) {
	if cur, err := s.store.GetCursor(ctx, s.cfg.GuildID); err != nil {
		s.log.Error().Err(err).Msg("loading cursor")
	} else if cur != nil {
		s.mu.Lock()
		s.cursor = *cur
		s.mu.Unlock()
		s.log.Info().Str("file", cur.FileName).Int64("offset", cur.ByteOffset).Msg("resuming from cursor")
	}
	s.mu.Lock()
	s.cursor.GuildID = s.cfg.GuildID
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop ends the poll loop. Safe to call more than once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Status returns a copy of the loop's heartbeat state.
func (s *Source) Status() domain.SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Source) tick(ctx context.Context) {
	err := s.poll(ctx)

	s.mu.Lock()
	s.status.GuildID = s.cfg.GuildID
	s.status.LastTick = time.Now().UTC()
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Msg("poll tick failed")
	}
}

// remoteFile is one discovered listing entry. Size -1 means the listing
// dialect did not report one.
type remoteFile struct {
	size int64
	mod  time.Time
}

func (s *Source) poll(ctx context.Context) error {
	sess, err := s.dial(s.cfg)
	if err != nil {
		return err
	}
	defer sess.Quit()

	if s.cfg.Directory != "" && s.cfg.Directory != "/" {
		if err := sess.ChangeDir(s.cfg.Directory); err != nil {
			return fmt.Errorf("changing to %s: %w", s.cfg.Directory, err)
		}
	}

	files, err := s.discover(sess)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		s.log.Debug().Msg("no log files found")
		return nil
	}

	name := pickLatest(files)
	info := files[name]
	size := info.size
	if size < 0 {
		if sz, err := sess.FileSize(name); err == nil {
			size = sz
		}
	}

	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	// Rollover: a new active file restarts the read from zero, as does a
	// file that shrank underneath the cursor.
	if cursor.FileName != name {
		if cursor.FileName != "" {
			s.log.Info().Str("from", cursor.FileName).Str("to", name).Msg("log rollover")
		}
		cursor.FileName = name
		cursor.ByteOffset = 0
	}
	if size >= 0 && cursor.ByteOffset > size {
		s.log.Info().Int64("offset", cursor.ByteOffset).Int64("size", size).Msg("file shrank, resetting offset")
		cursor.ByteOffset = 0
	}

	heartbeat := s.log.Debug().
		Str("file", name).
		Int64("size", size).
		Int64("offset", cursor.ByteOffset)
	if !info.mod.IsZero() {
		heartbeat = heartbeat.Time("mod", info.mod)
	}

	if size >= 0 && cursor.ByteOffset == size {
		heartbeat.Msg("no new bytes")
		s.commit(ctx, cursor, size, info.mod)
		return nil
	}

	data, err := s.fetch(sess, name, cursor.ByteOffset, size)
	if err != nil {
		heartbeat.Msg("fetch failed")
		return err
	}
	heartbeat.Int("bytes", len(data)).Msg("tick")

	// Only complete lines advance the cursor; a trailing partial line is
	// re-read on the next tick.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		s.commit(ctx, cursor, size, info.mod)
		return nil
	}
	segment := data[:end+1]

	s.archive.Write(name, cursor.ByteOffset, segment)
	s.processLines(name, cursor.ByteOffset, segment)

	cursor.ByteOffset += int64(len(segment))
	if size < cursor.ByteOffset {
		size = cursor.ByteOffset
	}
	s.commit(ctx, cursor, size, info.mod)
	return nil
}

// discover merges the LIST and NLST views of the current directory. Some
// servers omit files from one listing dialect but not the other; either one
// succeeding is enough.
func (s *Source) discover(sess ftpSession) (map[string]remoteFile, error) {
	files := make(map[string]remoteFile)

	entries, listErr := sess.List("")
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile || !s.isLogName(e.Name) {
			continue
		}
		files[e.Name] = remoteFile{size: int64(e.Size), mod: e.Time}
	}

	names, nlstErr := sess.NameList("")
	for _, n := range names {
		base := path.Base(n)
		if !s.isLogName(base) {
			continue
		}
		if _, ok := files[base]; !ok {
			files[base] = remoteFile{size: -1}
		}
	}

	if listErr != nil && nlstErr != nil {
		return nil, fmt.Errorf("listing directory: %w", listErr)
	}
	return files, nil
}

func (s *Source) isLogName(name string) bool {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".adm") && !strings.HasSuffix(lower, ".log") && !strings.HasSuffix(lower, ".txt") {
		return false
	}
	if s.cfg.LogPrefix != "" && !strings.HasPrefix(name, s.cfg.LogPrefix) {
		return false
	}
	return true
}

// fetch reads bytes from offset to EOF. Servers that refuse resumed reads
// get one retry after forcing binary mode, then a whole-file fallback for
// small files.
func (s *Source) fetch(sess ftpSession, name string, offset, size int64) ([]byte, error) {
	r, err := sess.RetrFrom(name, uint64(offset))
	if err != nil {
		if terr := sess.Type(ftp.TransferTypeBinary); terr == nil {
			r, err = sess.RetrFrom(name, uint64(offset))
		}
	}
	if err == nil {
		return readAll(r)
	}

	if size < 0 || size > config.WholeFileFallbackCap {
		return nil, fmt.Errorf("resumed read of %s at %d: %w", name, offset, err)
	}

	s.log.Debug().Str("file", name).Msg("resumed read refused, fetching whole file")
	r, ferr := sess.Retr(name)
	if ferr != nil {
		return nil, fmt.Errorf("whole-file fallback of %s: %w", name, ferr)
	}
	data, ferr := readAll(r)
	if ferr != nil {
		return nil, ferr
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	return data[offset:], nil
}

func readAll(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil && len(data) == 0 {
		return nil, fmt.Errorf("reading transfer: %w", err)
	}
	// A truncated transfer still yields usable complete lines; the cursor
	// only advances past what actually arrived.
	return data, nil
}

func (s *Source) processLines(fileName string, offset int64, segment []byte) {
	now := time.Now().UTC()
	lines := strings.Split(string(segment), "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if !s.dedup.Accept(line) {
			continue
		}
		sourceRef := fmt.Sprintf("ftp:%s@~%d+%d", fileName, offset, i)
		if s.onLine != nil {
			s.onLine(s.cfg.GuildID, strings.TrimSpace(line), sourceRef, now)
		}
		if ev := s.parser.Parse(line, now); ev != nil && s.onEvent != nil {
			s.onEvent(s.cfg.GuildID, ev, sourceRef)
		}
	}
}

// commit persists the cursor and refreshes the heartbeat status.
func (s *Source) commit(ctx context.Context, cursor domain.SourceCursor, size int64, mod time.Time) {
	if size >= 0 {
		cursor.FileSize = size
	} else {
		size = cursor.FileSize
	}
	if err := s.store.SaveCursor(ctx, cursor); err != nil {
		s.log.Error().Err(err).Msg("saving cursor")
	}

	s.mu.Lock()
	s.cursor = cursor
	s.status.FileName = cursor.FileName
	s.status.Offset = cursor.ByteOffset
	s.status.FileSize = size
	if !mod.IsZero() {
		s.status.ModTime = mod
	}
	s.mu.Unlock()
}

// Filenames that embed a timestamp sort by it when the listing carries no
// modification times.
var fileStampRegex = regexp.MustCompile(`(\d{4})[-_.](\d{2})[-_.](\d{2})[-_. ](\d{2})[-_.](\d{2})[-_.](\d{2})`)

func pickLatest(files map[string]remoteFile) string {
	var best string
	var bestMod time.Time
	for name, f := range files {
		if f.mod.IsZero() {
			continue
		}
		if f.mod.After(bestMod) || (f.mod.Equal(bestMod) && name > best) {
			best, bestMod = name, f.mod
		}
	}
	if best != "" {
		return best
	}

	var bestStamp string
	for name := range files {
		if m := fileStampRegex.FindStringSubmatch(name); m != nil {
			stamp := strings.Join(m[1:], "")
			if stamp > bestStamp || (stamp == bestStamp && name > best) {
				best, bestStamp = name, stamp
			}
		}
	}
	if best != "" {
		return best
	}

	for name := range files {
		if name > best {
			best = name
		}
	}
	return best
}
