package testrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/models"
)

// reloadHistory scans the test-data root for persisted tests. A directory
// counts when its metadata.json parses; the in-flight test is excluded even
// though its directory already exists on disk. The result is sorted by date
// descending.
func (m *Manager) reloadHistory() {
	m.mu.Lock()
	currentID := ""
	if m.current != nil {
		currentID = m.current.TestID
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		m.log.Errorw("history scan failed", "dir", m.dataDir, "error", err)
		return
	}

	history := make([]*models.TestMetaData, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == currentID {
			continue
		}
		metaPath := filepath.Join(m.dataDir, e.Name(), "metadata.json")
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta models.TestMetaData
		if err := json.Unmarshal(raw, &meta); err != nil {
			m.log.Errorw("failed to load test metadata", "test", e.Name(), "error", err)
			continue
		}
		// The directory name is the real id even if metadata disagrees.
		meta.TestID = e.Name()
		history = append(history, &meta)
	}

	sort.Slice(history, func(i, j int) bool { return history[i].Date > history[j].Date })

	m.mu.Lock()
	m.history = history
	m.mu.Unlock()

	m.log.Debugw("history reloaded", "tests", len(history))
	m.bus.Publish(bus.TopicHistoryUpdated, nil)
}

// History rescans the disk and returns the persisted tests, newest first.
func (m *Manager) History() []*models.TestMetaData {
	m.reloadHistory()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TestMetaData, len(m.history))
	copy(out, m.history)
	return out
}

// guardNotInFlight rejects operations that would touch the in-flight test.
func (m *Manager) guardNotInFlight(testID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.TestID == testID {
		return fmt.Errorf("%w: test %s is in progress", models.ErrConflict, testID)
	}
	return nil
}

// Archive moves a persisted test directory to the archive root, removing it
// from history.
func (m *Manager) Archive(testID string) error {
	if err := m.guardNotInFlight(testID); err != nil {
		return err
	}
	src := filepath.Join(m.dataDir, testID)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: test %s", models.ErrNotFound, testID)
	}
	dst := filepath.Join(m.archiveDir, testID)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archive test %s: %w", testID, err)
	}
	m.log.Infow("test archived", "test_id", testID)
	m.reloadHistory()
	return nil
}

// Delete irreversibly removes a persisted test directory.
func (m *Manager) Delete(testID string) error {
	if err := m.guardNotInFlight(testID); err != nil {
		return err
	}
	target := filepath.Join(m.dataDir, testID)
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("%w: test %s", models.ErrNotFound, testID)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("delete test %s: %w", testID, err)
	}
	m.log.Infow("test deleted", "test_id", testID)
	m.reloadHistory()
	return nil
}

// descriptionPath locates a test's description.md, searching the active
// root first and the archive root second.
func (m *Manager) descriptionPath(testID string) (string, error) {
	for _, root := range []string{m.dataDir, m.archiveDir} {
		p := filepath.Join(root, testID, "description.md")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: description for test %s", models.ErrNotFound, testID)
}

// Description returns the markdown description of a test.
func (m *Manager) Description(testID string) (string, error) {
	p, err := m.descriptionPath(testID)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read description: %w", err)
	}
	return string(raw), nil
}

// SetDescription replaces the markdown description of a test.
func (m *Manager) SetDescription(testID, content string) error {
	p, err := m.descriptionPath(testID)
	if err != nil {
		// The test directory may exist without a description yet.
		for _, root := range []string{m.dataDir, m.archiveDir} {
			dir := filepath.Join(root, testID)
			if st, serr := os.Stat(dir); serr == nil && st.IsDir() {
				p = filepath.Join(dir, "description.md")
				err = nil
				break
			}
		}
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write description: %w", err)
	}
	return nil
}
