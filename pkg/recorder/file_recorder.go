package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JournalFile returns the journal file name for a compression type
func JournalFile(compressionType CompressionType) string {
	if compressionType == ZstdCompression {
		return "journal.jsonl.zst"
	}
	return "journal.jsonl"
}

// FileRecorder appends events as JSON lines to a file with optional
// compression. Every event is flushed through to the file so that the
// journal survives a crash of the capture driver.
type FileRecorder struct {
	mu              sync.Mutex
	file            *os.File
	writer          io.Writer
	bufWriter       *bufio.Writer
	path            string
	compressionType CompressionType
	nextID          int64
}

// FileRecorderOptions contains options for creating a file recorder
type FileRecorderOptions struct {
	CompressionType CompressionType
}

// DefaultFileRecorderOptions returns default options for file recorder
func DefaultFileRecorderOptions() FileRecorderOptions {
	return FileRecorderOptions{
		CompressionType: DefaultCompression,
	}
}

// OpenJournal opens the journal inside dir
func OpenJournal(dir string, options FileRecorderOptions) (*FileRecorder, error) {
	return NewFileRecorderWithOptions(filepath.Join(dir, JournalFile(options.CompressionType)), options)
}

// NewFileRecorder creates a new file recorder with default options
func NewFileRecorder(path string) (*FileRecorder, error) {
	return NewFileRecorderWithOptions(path, DefaultFileRecorderOptions())
}

// NewFileRecorderWithOptions creates a new file recorder with the given options.
// Events already in the file are kept and new IDs continue after them.
func NewFileRecorderWithOptions(path string, options FileRecorderOptions) (*FileRecorder, error) {
	fr := &FileRecorder{
		path:            path,
		compressionType: options.CompressionType,
		nextID:          1,
	}
	for _, e := range fr.readEvents() {
		if e.ID >= fr.nextID {
			fr.nextID = e.ID + 1
		}
	}
	if err := fr.open(); err != nil {
		return nil, err
	}
	return fr, nil
}

func (fr *FileRecorder) open() error {
	f, err := os.OpenFile(fr.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	bufWriter := bufio.NewWriter(f)
	w, err := NewCompressedWriter(bufWriter, fr.compressionType)
	if err != nil {
		f.Close()
		return err
	}
	fr.file = f
	fr.bufWriter = bufWriter
	fr.writer = w
	return nil
}

// Path returns the journal file path
func (fr *FileRecorder) Path() string {
	return fr.path
}

// RecordEvent appends an event. Events without an ID or timestamp get one.
func (fr *FileRecorder) RecordEvent(e Event) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if e.ID == 0 {
		e.ID = fr.nextID
	}
	if e.ID >= fr.nextID {
		fr.nextID = e.ID + 1
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = CurrentTime()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := fr.writer.Write(data); err != nil {
		return err
	}
	if err := FlushCompressedWriter(fr.writer); err != nil {
		return err
	}
	return fr.bufWriter.Flush()
}

// GetEvents reads all events from the file, decompressing if necessary. A
// compressed journal is only guaranteed complete once the recorder is closed.
func (fr *FileRecorder) GetEvents() []Event {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.readEvents()
}

func (fr *FileRecorder) readEvents() []Event {
	f, err := os.Open(fr.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	reader, err := NewCompressedReader(f, fr.compressionType)
	if err != nil {
		return nil
	}
	defer reader.Close()

	var events []Event
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// Clear truncates the journal
func (fr *FileRecorder) Clear() {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	// Ignore errors in Clear() as per interface
	CloseCompressedWriter(fr.writer)
	fr.bufWriter.Flush()
	fr.file.Close()
	os.Truncate(fr.path, 0)
	fr.nextID = 1
	fr.open()
}

// Close flushes and closes the file
func (fr *FileRecorder) Close() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if err := CloseCompressedWriter(fr.writer); err != nil {
		return err
	}
	if err := fr.bufWriter.Flush(); err != nil {
		return err
	}
	return fr.file.Close()
}

// ReadJournal reads the journal inside dir without opening it for writing.
// The zstd journal is preferred when both exist.
func ReadJournal(dir string) ([]Event, error) {
	for _, ct := range []CompressionType{ZstdCompression, NoCompression} {
		path := filepath.Join(dir, JournalFile(ct))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		fr := &FileRecorder{path: path, compressionType: ct}
		return fr.readEvents(), nil
	}
	return nil, fmt.Errorf("no journal in %s: %w", dir, os.ErrNotExist)
}
