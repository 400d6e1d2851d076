package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andrej220/netmonkey/pkg/result"
)

const (
	indent = "    " // Default indentation for JSON output (4 spaces)
	prefix = ""     // Default prefix for JSON output
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// WriteJSONToFile persists data as JSON using the provided Serializer and Writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// JSONFile writes the collection as one JSON document.
type JSONFile struct {
	Path       string
	Serializer Serializer
	Writer     Writer
}

// NewJSONFile returns a sink with default settings (overwrite enabled, 4-space indent).
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{
		Path:       path,
		Serializer: JSONSerializer{Prefix: prefix, Indent: indent},
		Writer:     FileWriter{Overwrite: true},
	}
}

func (f *JSONFile) Write(_ context.Context, coll *result.Collection) error {
	return WriteJSONToFile(coll, f.Path, f.Serializer, f.Writer)
}

func (f *JSONFile) Close() error { return nil }
func (f *JSONFile) Name() string { return "json" }
