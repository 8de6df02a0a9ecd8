package telemetry

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONLWriter appends one JSON object per line to a rotated event log.
// This is the stream the dashboard and alerting collaborators tail.
type JSONLWriter struct {
	w io.WriteCloser
}

// NewJSONLWriter opens (creating directories as needed) a rotated JSONL log.
func NewJSONLWriter(path string, maxSizeMB, maxBackups int) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &JSONLWriter{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}, nil
}

func (j *JSONLWriter) Write(e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = j.w.Write(append(b, '\n'))
	return err
}

func (j *JSONLWriter) Close() error { return j.w.Close() }
