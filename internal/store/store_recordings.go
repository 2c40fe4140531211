// store_recordings.go contains recording management methods.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RecordingPath returns the JSONL file of a session's recording.
func (s *Store) RecordingPath(session string) string {
	return filepath.Join(s.root, "recordings", session+".jsonl")
}

// AppendRecordingEvent appends one line to a session's recording.
func (s *Store) AppendRecordingEvent(session string, event RecordingEvent) error {
	if session == "" || strings.ContainsAny(session, `/\`) {
		return fmt.Errorf("invalid recording session %q", session)
	}
	dir := filepath.Join(s.root, "recordings")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(s.RecordingPath(session), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// ListRecordings returns recordings, newest first.
func (s *Store) ListRecordings() ([]RecordingInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "recordings"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []RecordingInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		session := strings.TrimSuffix(e.Name(), ".jsonl")
		out = append(out, RecordingInfo{
			Session: session,
			Path:    s.RecordingPath(session),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}
