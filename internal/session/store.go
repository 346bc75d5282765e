package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrSessionNotFound is returned by Load when the file does not exist.
	ErrSessionNotFound = errors.New("session file not found")
	// ErrMalformedSession is returned by Load when the file exists but is not
	// a well-formed session document.
	ErrMalformedSession = errors.New("malformed session document")
)

// document is the persisted envelope.
type document struct {
	ID            string         `json:"id"`
	Transport     Transport      `json:"transport"`
	ServerCommand string         `json:"server_command,omitempty"`
	ServerURL     string         `json:"server_url,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Messages      []ProxyMessage `json:"messages"`
	Errors        []ErrorEntry   `json:"errors,omitempty"`
}

// Marshal encodes s as an indented session document.
func Marshal(s *Session) ([]byte, error) {
	doc := document{
		ID:            s.info.ID,
		Transport:     s.info.Transport,
		ServerCommand: s.info.ServerCommand,
		ServerURL:     s.info.ServerURL,
		StartedAt:     s.info.StartedAt,
		Metadata:      s.info.Metadata,
		Messages:      s.messages,
		Errors:        s.errors,
	}
	if doc.Messages == nil {
		doc.Messages = []ProxyMessage{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.info.ID, err)
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a session document. Errors wrap ErrMalformedSession.
func Unmarshal(data []byte) (*Session, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSession, err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedSession)
	}
	transport, err := ParseTransport(string(doc.Transport))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSession, err)
	}

	seen := make(map[int64]bool, len(doc.Messages))
	for _, m := range doc.Messages {
		if seen[m.Sequence] {
			return nil, fmt.Errorf("%w: duplicate sequence %d", ErrMalformedSession, m.Sequence)
		}
		seen[m.Sequence] = true
	}

	info := Info{
		ID:            doc.ID,
		Transport:     transport,
		ServerCommand: doc.ServerCommand,
		ServerURL:     doc.ServerURL,
		StartedAt:     doc.StartedAt,
		Metadata:      doc.Metadata,
	}
	return newSession(info, doc.Messages, doc.Errors), nil
}

// Save writes s to path atomically, creating parent directories.
func Save(path string, s *Session) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := atomicWriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save session to %s: %w", path, err)
	}
	return nil
}

// Load reads a session document from path.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, path)
		}
		return nil, fmt.Errorf("failed to read session %s: %w", path, err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial document.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
