// Package store implements the Project Store: a single-writer,
// multi-reader keyed blob store scoped to one project directory on disk
// (spec §4.A). It exclusively owns artifact files and the event log.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"

	"github.com/inkforge/pipeline/domain/classify"
	"github.com/inkforge/pipeline/domain/event"
	"github.com/inkforge/pipeline/domain/project"
	"github.com/inkforge/pipeline/infrastructure/logging"
)

// Store is a filesystem-backed Project Store rooted at a single directory
// holding one subdirectory per project.
type Store struct {
	root   string
	log    *logging.Logger
	envOK  *validator.Validate
	mu     sync.Mutex // guards the locks map itself
	locks  map[string]*sync.Mutex
}

// New creates a Store rooted at dir. The directory is created if absent.
func New(dir string, log *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, classify.Wrap(classify.KindIO, "create store root", err)
	}
	return &Store{
		root:  dir,
		log:   log,
		envOK: validator.New(),
		locks: map[string]*sync.Mutex{},
	}, nil
}

func (s *Store) projectDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create writes the initial project metadata and seed artifact, failing
// with already_exists if the project directory is present.
func (s *Store) Create(projectID, name, seed string, now time.Time) (*project.Project, error) {
	dir := s.projectDir(projectID)
	if _, err := os.Stat(dir); err == nil {
		return nil, classify.New(classify.KindPermanent, "already_exists")
	}
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0o755); err != nil {
		return nil, classify.Wrap(classify.KindIO, "create project dir", err)
	}

	p := project.New(projectID, name, seed, now)

	if err := s.atomicWriteJSON(dir, "initial_brief.json", map[string]any{"brief": seed}); err != nil {
		return nil, err
	}
	if err := s.atomicWriteJSON(dir, "project.json", p); err != nil {
		return nil, err
	}
	if err := s.WriteStatus(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reconstructs project state from project.json, failing with
// not_found if the project directory is absent.
func (s *Store) Load(projectID string) (*project.Project, error) {
	dir := s.projectDir(projectID)
	data, err := os.ReadFile(filepath.Join(dir, "project.json"))
	if os.IsNotExist(err) {
		return nil, classify.New(classify.KindNotFound, "not_found")
	}
	if err != nil {
		return nil, classify.Wrap(classify.KindIO, "read project.json", err)
	}
	var p project.Project
	if err := gojson.Unmarshal(data, &p); err != nil {
		return nil, classify.Wrap(classify.KindIO, "corrupt project.json", err)
	}
	return &p, nil
}

// ReadSeed returns the seed brief text for a project.
func (s *Store) ReadSeed(projectID string) (string, error) {
	dir := s.projectDir(projectID)
	data, err := os.ReadFile(filepath.Join(dir, "initial_brief.json"))
	if err != nil {
		return "", classify.Wrap(classify.KindIO, "read initial_brief.json", err)
	}
	var brief map[string]any
	if err := gojson.Unmarshal(data, &brief); err != nil {
		return "", classify.Wrap(classify.KindIO, "corrupt initial_brief.json", err)
	}
	s, _ := brief["brief"].(string)
	return s, nil
}

func artifactFileName(stepIndex int, name string) string {
	return fmt.Sprintf("step_%d_%s.json", stepIndex, name)
}

// ReadArtifact loads a step's current artifact envelope, failing with
// missing if absent or corrupt if the envelope fails schema-shape
// validation.
func (s *Store) ReadArtifact(projectID string, stepIndex int, name string) (*project.StepArtifact, error) {
	dir := s.projectDir(projectID)
	path := filepath.Join(dir, artifactFileName(stepIndex, name))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, classify.New(classify.KindNotFound, "missing")
	}
	if err != nil {
		// retry once on transient read error, per spec failure semantics.
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, classify.Wrap(classify.KindIO, "read artifact", err)
		}
	}
	var env project.Envelope
	if err := gojson.Unmarshal(data, &env); err != nil {
		return nil, classify.Wrap(classify.KindParse, "corrupt", err)
	}
	if err := s.envOK.Struct(env); err != nil {
		return nil, classify.Wrap(classify.KindParse, "corrupt", err)
	}
	return &project.StepArtifact{StepIndex: stepIndex, Version: env.Version, Envelope: env}, nil
}

// WriteArtifact atomically publishes a step artifact. If a prior artifact
// exists for that step, it is copied to a monotonically numbered snapshot
// before being overwritten.
func (s *Store) WriteArtifact(projectID string, art *project.StepArtifact, name string) error {
	start := time.Now()
	dir := s.projectDir(projectID)
	fileName := artifactFileName(art.StepIndex, name)
	finalPath := filepath.Join(dir, fileName)

	if existing, err := os.ReadFile(finalPath); err == nil {
		if err := s.snapshotExisting(dir, art.StepIndex, existing); err != nil {
			s.logWrite(name, start, err)
			return err
		}
	}

	err := s.atomicWriteJSON(dir, fileName, art.Envelope)
	s.logWrite(name, start, err)
	return err
}

func (s *Store) logWrite(stepName string, start time.Time, err error) {
	if s.log != nil {
		s.log.LogArtifactWrite(context.Background(), stepName, time.Since(start), err)
	}
}

func (s *Store) snapshotExisting(dir string, stepIndex int, existing []byte) error {
	snapDir := filepath.Join(dir, "snapshots")
	n := 1
	for {
		candidate := filepath.Join(snapDir, fmt.Sprintf("step_%d_v%d.json", stepIndex, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return os.WriteFile(candidate, existing, 0o644)
		}
		n++
	}
}

// WriteStatus atomically replaces the status blob.
func (s *Store) WriteStatus(p *project.Project) error {
	dir := s.projectDir(p.ID)
	return s.atomicWriteJSON(dir, "status.json", p)
}

// AppendEvent appends to the project event log under the project's
// dedicated mutex, fsyncing before returning so the append is durable.
func (s *Store) AppendEvent(ctx context.Context, e event.Event) error {
	select {
	case <-ctx.Done():
		return classify.New(classify.KindCancelled, "cancelled")
	default:
	}

	lock := s.lockFor(e.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.projectDir(e.ProjectID)
	path := filepath.Join(dir, "events.log")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return classify.Wrap(classify.KindIO, "open events.log", err)
	}
	defer f.Close()

	line, err := gojson.Marshal(e)
	if err != nil {
		return classify.Wrap(classify.KindIO, "marshal event", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		if s.log != nil {
			s.log.LogEventAppend(ctx, e.ProjectID, string(e.Kind), err)
		}
		return classify.Wrap(classify.KindIO, "write event", err)
	}
	if err := f.Sync(); err != nil {
		if s.log != nil {
			s.log.LogEventAppend(ctx, e.ProjectID, string(e.Kind), err)
		}
		return classify.Wrap(classify.KindIO, "fsync events.log", err)
	}
	if s.log != nil {
		s.log.LogEventAppend(ctx, e.ProjectID, string(e.Kind), nil)
	}
	return nil
}

// atomicWriteJSON implements spec §4.A's write-temp/fsync/rename/fsync-dir
// algorithm using goccy/go-json for marshaling.
func (s *Store) atomicWriteJSON(dir, name string, v any) error {
	data, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return classify.Wrap(classify.KindIO, "marshal "+name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return classify.Wrap(classify.KindIO, "create temp for "+name, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return classify.Wrap(classify.KindIO, "write temp for "+name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return classify.Wrap(classify.KindIO, "fsync temp for "+name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return classify.Wrap(classify.KindIO, "close temp for "+name, err)
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return classify.Wrap(classify.KindIO, "rename "+name, err)
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return classify.Wrap(classify.KindIO, "open dir for fsync", err)
	}
	defer dirHandle.Close()
	if err := dirHandle.Sync(); err != nil {
		return classify.Wrap(classify.KindIO, "fsync dir", err)
	}
	return nil
}
