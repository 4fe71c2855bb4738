package infra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
)

const (
	logFilePrefix = "filebridge_monitor_"
	logFileExt    = ".json"
	logDateLayout = "20060102"

	retentionCheckInterval = 24 * time.Hour
)

// dateCache tracks the open file for one UTC date: the entries of the
// current file and its rotation number (0 = unnumbered base file).
type dateCache struct {
	entries    []domain.LogEntry
	fileNumber int
}

// FileLogStore implements domain.LogStore with date-partitioned JSON array
// files. Every append rewrites the current file in full, so the on-disk
// journal is valid JSON at any crash point. All writers share one mutex.
type FileLogStore struct {
	dir           string
	maxPerFile    int
	retentionDays int
	logger        *zap.Logger

	mu    sync.Mutex
	cache map[string]*dateCache
	hook  func(domain.LogEntry)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewFileLogStore creates the journal directory and starts the daily
// retention sweep.
func NewFileLogStore(dir string, maxPerFile, retentionDays int, logger *zap.Logger) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	s := &FileLogStore{
		dir:           dir,
		maxPerFile:    maxPerFile,
		retentionDays: retentionDays,
		logger:        logger,
		cache:         make(map[string]*dateCache),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.retentionLoop()
	return s, nil
}

// Append writes one entry to the current file for its UTC date, rotating
// when the file holds maxPerFile entries. Write failures surface to the
// caller; the entry stays buffered so the next append retries it.
func (s *FileLogStore) Append(entry domain.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	} else {
		entry.Timestamp = entry.Timestamp.UTC()
	}

	s.mu.Lock()
	key := entry.Timestamp.Format(logDateLayout)
	c := s.cacheFor(key)

	if len(c.entries) >= s.maxPerFile {
		c.fileNumber = s.nextUnusedNumber(key, c.fileNumber)
		c.entries = nil
	}
	c.entries = append(c.entries, entry)

	err := s.writeFile(key, c.fileNumber, c.entries)
	hook := s.hook
	s.mu.Unlock()

	if err != nil {
		return err
	}

	if hook != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("post-append hook panicked", zap.Any("panic", r))
				}
			}()
			hook(entry)
		}()
	}
	return nil
}

// cacheFor returns the cache for a date key, priming it from disk the
// first time the key is seen. Caller holds s.mu.
func (s *FileLogStore) cacheFor(key string) *dateCache {
	if c, ok := s.cache[key]; ok {
		return c
	}

	c := &dateCache{}
	highest := -1
	for _, name := range s.listLogFiles() {
		day, num, ok := parseLogFileName(name)
		if !ok || day != key {
			continue
		}
		if num > highest {
			highest = num
		}
	}
	if highest >= 0 {
		c.fileNumber = highest
		c.entries = s.readEntries(filepath.Join(s.dir, logFileName(key, highest)))
	}
	s.cache[key] = c
	return c
}

// nextUnusedNumber finds the next free rotation number after current.
func (s *FileLogStore) nextUnusedNumber(key string, current int) int {
	n := current + 1
	for {
		if _, err := os.Stat(filepath.Join(s.dir, logFileName(key, n))); os.IsNotExist(err) {
			return n
		}
		n++
	}
}

// writeFile rewrites one journal file as a pretty-printed JSON array,
// via temp file + rename so readers never observe partial JSON.
func (s *FileLogStore) writeFile(key string, number int, entries []domain.LogEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("failed to encode log entries: %w", err)
	}

	path := filepath.Join(s.dir, logFileName(key, number))
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	return nil
}

// SetPostAppendHook installs the asynchronous per-entry callback.
func (s *FileLogStore) SetPostAppendHook(hook func(domain.LogEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// indexedEntry carries the insertion position used as the pagination
// tie-break: (day, file number, index within file).
type indexedEntry struct {
	entry domain.LogEntry
	day   string
	num   int
	idx   int
}

// Query reads matching entries from disk, newest first. Read and parse
// failures yield an empty result, never an error.
func (s *FileLogStore) Query(filter domain.LogFilter) (domain.LogPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fromDay, toDay string
	if filter.From != nil {
		fromDay = filter.From.UTC().Format(logDateLayout)
	}
	if filter.To != nil {
		toDay = filter.To.UTC().Format(logDateLayout)
	}

	typeSet := make(map[domain.LogType]bool, len(filter.Types))
	for _, t := range filter.Types {
		typeSet[t] = true
	}

	var matched []indexedEntry
	for _, name := range s.listLogFiles() {
		day, num, ok := parseLogFileName(name)
		if !ok {
			continue
		}
		if fromDay != "" && day < fromDay {
			continue
		}
		if toDay != "" && day > toDay {
			continue
		}
		for idx, e := range s.readEntries(filepath.Join(s.dir, name)) {
			if filter.From != nil && e.Timestamp.Before(filter.From.UTC()) {
				continue
			}
			if filter.To != nil && e.Timestamp.After(filter.To.UTC()) {
				continue
			}
			if len(typeSet) > 0 && !typeSet[e.LogType] {
				continue
			}
			matched = append(matched, indexedEntry{entry: e, day: day, num: num, idx: idx})
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.entry.Timestamp.Equal(b.entry.Timestamp) {
			return a.entry.Timestamp.After(b.entry.Timestamp)
		}
		// Equal timestamps: later insertion first.
		if a.day != b.day {
			return a.day > b.day
		}
		if a.num != b.num {
			return a.num > b.num
		}
		return a.idx > b.idx
	})

	page := domain.LogPage{Total: len(matched)}

	start, end := 0, len(matched)
	if filter.PageSize > 0 {
		p := filter.Page
		if p < 1 {
			p = 1
		}
		start = (p - 1) * filter.PageSize
		if start > len(matched) {
			start = len(matched)
		}
		end = start + filter.PageSize
		if end > len(matched) {
			end = len(matched)
		}
	}
	page.Entries = make([]domain.LogEntry, end-start)
	for i, m := range matched[start:end] {
		page.Entries[i] = m.entry
	}
	return page, nil
}

// readEntries loads one journal file; any failure returns an empty list.
func (s *FileLogStore) readEntries(path string) []domain.LogEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entries []domain.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// listLogFiles returns journal file names in the store directory, sorted.
// Caller holds s.mu.
func (s *FileLogStore) listLogFiles() []string {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, logFilePrefix) && strings.HasSuffix(name, logFileExt) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// retentionLoop deletes expired files once at start and then daily.
func (s *FileLogStore) retentionLoop() {
	defer close(s.done)

	ticker := time.NewTicker(retentionCheckInterval)
	defer ticker.Stop()

	s.runRetention()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runRetention()
		}
	}
}

// runRetention removes files whose filename date is older than the
// retention window. Unparseable names are left alone.
func (s *FileLogStore) runRetention() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).Format(logDateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.listLogFiles() {
		day, _, ok := parseLogFileName(name)
		if !ok || day >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("failed to delete expired log file",
				zap.String("file", name), zap.Error(err))
			continue
		}
		delete(s.cache, day)
		s.logger.Info("deleted expired log file", zap.String("file", name))
	}
}

// Close stops the retention loop.
func (s *FileLogStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// logFileName builds the on-disk name for a date and rotation number.
// Number 0 is the unnumbered base file.
func logFileName(day string, number int) string {
	if number == 0 {
		return logFilePrefix + day + logFileExt
	}
	return fmt.Sprintf("%s%s_%04d%s", logFilePrefix, day, number, logFileExt)
}

// parseLogFileName extracts (day, number) from a journal file name.
func parseLogFileName(name string) (day string, number int, ok bool) {
	if !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileExt) {
		return "", 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileExt)

	if i := strings.IndexByte(middle, '_'); i >= 0 {
		day = middle[:i]
		suffix := middle[i+1:]
		if len(suffix) != 4 {
			return "", 0, false
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			return "", 0, false
		}
		number = n
	} else {
		day = middle
	}

	if _, err := time.Parse(logDateLayout, day); err != nil {
		return "", 0, false
	}
	return day, number, true
}

// Ensure FileLogStore implements domain.LogStore.
var _ domain.LogStore = (*FileLogStore)(nil)
