// store_conversations.go contains conversation index persistence.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "conversations.json")
}

// LoadIndex reads the conversation index. A missing file yields an empty
// index.
func (s *Store) LoadIndex() (*ConversationIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := &ConversationIndex{Version: IndexVersion}
	if err := s.readJSON(s.indexPath(), idx); err != nil {
		if os.IsNotExist(err) {
			idx.Contexts = make(map[string][]ConversationRecord)
			idx.Active = make(map[string]string)
			return idx, nil
		}
		return nil, err
	}
	if idx.Contexts == nil {
		idx.Contexts = make(map[string][]ConversationRecord)
	}
	if idx.Active == nil {
		idx.Active = make(map[string]string)
	}
	return idx, nil
}

// SaveIndex writes the index, ordering each context's records newest first.
func (s *Store) SaveIndex(idx *ConversationIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx.Version = IndexVersion
	idx.Updated = time.Now().UTC()
	for key, recs := range idx.Contexts {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
		idx.Contexts[key] = recs
	}
	return s.writeJSON(s.indexPath(), idx)
}
