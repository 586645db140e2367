package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Archive appends raw ADM segments to a per-guild gzip file so ingestion
// decisions can be replayed against the exact bytes that drove them. Each
// open produces a fresh gzip member; concatenated members decompress as one
// stream. Failures are logged and never interrupt polling.
type Archive struct {
	mu  sync.Mutex
	f   *os.File
	zw  *gzip.Writer
	log zerolog.Logger
}

// OpenArchive opens (or creates) the archive for one guild under dir.
func OpenArchive(dir string, guildID int64, log zerolog.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("guild-%d.adm.gz", guildID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return &Archive{f: f, zw: gzip.NewWriter(f), log: log}, nil
}

// Write records one raw segment with a header naming the remote file and the
// byte offset it was read from.
func (a *Archive) Write(fileName string, offset int64, data []byte) {
	if a == nil || len(data) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	header := fmt.Sprintf("--- %s @%d %s ---\n", fileName, offset, time.Now().UTC().Format(time.RFC3339))
	if _, err := a.zw.Write([]byte(header)); err != nil {
		a.log.Warn().Err(err).Msg("archive header write failed")
		return
	}
	if _, err := a.zw.Write(data); err != nil {
		a.log.Warn().Err(err).Msg("archive segment write failed")
		return
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		a.zw.Write([]byte{'\n'})
	}
	if err := a.zw.Flush(); err != nil {
		a.log.Warn().Err(err).Msg("archive flush failed")
	}
}

func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.zw.Close(); err != nil {
		a.f.Close()
		return err
	}
	return a.f.Close()
}
