package presets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/runcard-io/runcard/pkg/schema"
)

const stateVersion = 1

// Last-run modes. A snapshot records the raw values of the run; a
// preset ref records that a saved preset was used unmodified.
const (
	ModeSnapshot  = "snapshot"
	ModePresetRef = "preset_ref"
)

// Store persists named form presets and last-run state next to the
// runcard file, as <card>.presets.json. Writes go through a temp file
// and rename so a crash never leaves a half-written state behind.
type Store struct {
	path string

	mu    sync.Mutex
	state *fileState
}

type fileState struct {
	Version int                     `json:"version"`
	Actions map[string]*actionState `json:"actions"`
}

type actionState struct {
	Presets map[string]map[string]any `json:"presets"`
	LastRun *LastRun                  `json:"last_run,omitempty"`
}

// LastRun describes the values used by the most recent run of an
// action, either inline or by preset name.
type LastRun struct {
	Mode   string         `json:"mode"`
	Name   string         `json:"name,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// NewStore builds a store for the presets belonging to the given
// runcard path. The presets file is only created on first write.
func NewStore(cardPath string) *Store {
	return &Store{path: cardPath + ".presets.json"}
}

// Path returns the location of the presets file.
func (s *Store) Path() string { return s.path }

func (s *Store) load() *fileState {
	if s.state != nil {
		return s.state
	}
	st := &fileState{Version: stateVersion, Actions: map[string]*actionState{}}
	data, err := os.ReadFile(s.path)
	if err == nil {
		var parsed fileState
		// A corrupt or foreign file falls back to an empty state
		// rather than blocking every preset operation.
		if json.Unmarshal(data, &parsed) == nil && parsed.Version == stateVersion {
			if parsed.Actions == nil {
				parsed.Actions = map[string]*actionState{}
			}
			st = &parsed
		}
	}
	s.state = st
	return st
}

func (s *Store) action(st *fileState, actionID string) *actionState {
	a, ok := st.Actions[actionID]
	if !ok {
		a = &actionState{Presets: map[string]map[string]any{}}
		st.Actions[actionID] = a
	}
	if a.Presets == nil {
		a.Presets = map[string]map[string]any{}
	}
	return a
}

func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePreset, "cannot encode presets: %v", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".presets-*.json")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePreset, "cannot write presets: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodePreset, "cannot write presets: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodePreset, "cannot write presets: %v", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodePreset, "cannot replace presets file: %v", err)
	}
	return nil
}

// Save stores values under the given preset name, replacing any
// existing preset of that name.
func (s *Store) Save(actionID, name string, values map[string]any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodePreset, "preset name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.action(s.load(), actionID)
	a.Presets[name] = copyValues(values)
	return s.flush()
}

// List returns the action's preset names in sorted order.
func (s *Store) List(actionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.load().Actions[actionID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(a.Presets))
	for name := range a.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the stored values of a preset.
func (s *Store) Get(actionID, name string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.load().Actions[actionID]
	if !ok {
		return nil, false
	}
	values, ok := a.Presets[name]
	if !ok {
		return nil, false
	}
	return copyValues(values), true
}

// Delete removes a preset. Deleting an absent preset is an error so
// callers can surface typos.
func (s *Store) Delete(actionID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.load()
	a, ok := st.Actions[actionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodePreset, "no preset %q for action %q", name, actionID)
	}
	if _, ok := a.Presets[name]; !ok {
		return schema.NewErrorf(schema.ErrCodePreset, "no preset %q for action %q", name, actionID)
	}
	delete(a.Presets, name)
	if a.LastRun != nil && a.LastRun.Mode == ModePresetRef && a.LastRun.Name == name {
		a.LastRun = nil
	}
	return s.flush()
}

// Rename changes a preset's name, refusing to clobber an existing one.
func (s *Store) Rename(actionID, oldName, newName string) error {
	if newName == "" {
		return schema.NewError(schema.ErrCodePreset, "preset name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.load()
	a, ok := st.Actions[actionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodePreset, "no preset %q for action %q", oldName, actionID)
	}
	values, ok := a.Presets[oldName]
	if !ok {
		return schema.NewErrorf(schema.ErrCodePreset, "no preset %q for action %q", oldName, actionID)
	}
	if _, taken := a.Presets[newName]; taken {
		return schema.NewErrorf(schema.ErrCodePreset, "preset %q already exists for action %q", newName, actionID)
	}
	delete(a.Presets, oldName)
	a.Presets[newName] = values
	if a.LastRun != nil && a.LastRun.Mode == ModePresetRef && a.LastRun.Name == oldName {
		a.LastRun.Name = newName
	}
	return s.flush()
}

// SetLastRun records how the most recent run of an action was filled
// in, so the next invocation can offer the same values.
func (s *Store) SetLastRun(actionID string, lastRun LastRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.action(s.load(), actionID)
	lr := lastRun
	lr.Values = copyValues(lr.Values)
	a.LastRun = &lr
	return s.flush()
}

// LastRun resolves the action's last-run values. A preset ref is
// followed to the preset's current values; a dangling ref reports no
// last run.
func (s *Store) LastRun(actionID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.load().Actions[actionID]
	if !ok || a.LastRun == nil {
		return nil, false
	}
	switch a.LastRun.Mode {
	case ModePresetRef:
		values, ok := a.Presets[a.LastRun.Name]
		if !ok {
			return nil, false
		}
		return copyValues(values), true
	default:
		return copyValues(a.LastRun.Values), true
	}
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
