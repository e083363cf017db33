package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
)

// DefaultLogPath is where ipmon lines go when no path is configured.
const DefaultLogPath = "/var/log/ipf/ipmon.log"

// ipmonTime is the timestamp ipmon writes in front of each file line.
const ipmonTime = "02/01/2006 15:04:05.000000"

// RecordWriter is a Sender that takes whole records. Monitor hands records
// to it instead of the preformatted syslog message.
type RecordWriter interface {
	WriteRecord(rec EventRecord, line string) error
}

// LogFileConfig configures a LogFile.
type LogFileConfig struct {
	Path string
	// MaxSize is the size in bytes at which the file is rotated, 10MB when
	// unset. MaxFiles rotated generations are kept, 5 when unset.
	MaxSize  int64
	MaxFiles int
	// Types selects the record types written, every type when empty.
	Types []string
}

// LogFile writes ipmon lines to a local file and rotates it by size into
// path.1 .. path.N, newest first.
type LogFile struct {
	cfg LogFileConfig

	mu   sync.Mutex
	f    *os.File
	size int64
}

var recordTypes = []string{TypeFilter, TypeStateAdd, TypeStateExpire, TypeNATMap, TypeNATExpire}

// NewLogFile opens cfg.Path for appending, creating its directory.
func NewLogFile(cfg LogFileConfig) (*LogFile, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultLogPath
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 << 20
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	for _, t := range cfg.Types {
		if !slices.Contains(recordTypes, t) {
			return nil, fmt.Errorf("unknown record type %q", t)
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	lf := &LogFile{cfg: cfg}
	if err := lf.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return lf, nil
}

func (lf *LogFile) open(mode int) error {
	f, err := os.OpenFile(lf.cfg.Path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	lf.f, lf.size = f, 0
	if info, err := f.Stat(); err == nil {
		lf.size = info.Size()
	}
	return nil
}

// Wants reports whether records of type typ are written.
func (lf *LogFile) Wants(typ string) bool {
	return len(lf.cfg.Types) == 0 || slices.Contains(lf.cfg.Types, typ)
}

// WriteRecord appends line stamped with the record's time.
func (lf *LogFile) WriteRecord(rec EventRecord, line string) error {
	if !lf.Wants(rec.Type) {
		return nil
	}
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return lf.write(ts.Format(ipmonTime) + " " + line + "\n")
}

// ShouldSend accepts every severity; selection is by record type.
func (lf *LogFile) ShouldSend(int) bool { return true }

// Send appends a message that did not come from a record.
func (lf *LogFile) Send(_ int, msg string) error {
	return lf.write(time.Now().Format(ipmonTime) + " " + msg + "\n")
}

func (lf *LogFile) write(line string) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return fmt.Errorf("log file %s closed", lf.cfg.Path)
	}
	n, err := lf.f.WriteString(line)
	lf.size += int64(n)
	if err != nil {
		return err
	}
	if lf.size >= lf.cfg.MaxSize {
		return lf.rotate()
	}
	return nil
}

func (lf *LogFile) generation(n int) string {
	if n == 0 {
		return lf.cfg.Path
	}
	return lf.cfg.Path + "." + strconv.Itoa(n)
}

// rotate shifts every generation up by one, dropping the oldest, and
// starts an empty file.
func (lf *LogFile) rotate() error {
	lf.f.Close()
	lf.f = nil
	os.Remove(lf.generation(lf.cfg.MaxFiles))
	for n := lf.cfg.MaxFiles - 1; n >= 0; n-- {
		os.Rename(lf.generation(n), lf.generation(n+1))
	}
	return lf.open(os.O_TRUNC)
}

// Close closes the file. Further writes fail.
func (lf *LogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	err := lf.f.Close()
	lf.f = nil
	return err
}
