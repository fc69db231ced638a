package syncagent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/fieldproof/firesync/internal/causal"
)

// A spool entry is one offline editing session dropped into the spool
// directory by the field app: the bundle it was editing against plus
// the accumulated changes.
type spoolEntry struct {
	Bundle  json.RawMessage `json:"bundle"`
	Changes []WireChange    `json:"changes"`
}

type AgentOptions struct {
	SpoolDir  string
	DoneDir   string
	FailedDir string
	StateFile string
	Logger    zerolog.Logger
}

// Agent drains a spool directory of offline-edited bundles into the
// sync service. Uploads are idempotent: the key is derived from the
// spool file's content, so a crash between upload and archive replays
// harmlessly on the next sweep.
type Agent struct {
	client    RemoteClient
	spoolDir  string
	doneDir   string
	failedDir string
	stateFile string
	logger    zerolog.Logger
	state     agentState
	loaded    bool
}

type agentState struct {
	// Contexts holds the last merged clock per session so a follow-up
	// upload for the same session claims what this device has seen.
	Contexts map[string]causal.Clock `json:"contexts"`
}

func NewAgent(client RemoteClient, opts AgentOptions) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	spoolDir := strings.TrimSpace(opts.SpoolDir)
	if spoolDir == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	spoolDir = filepath.Clean(spoolDir)
	doneDir := strings.TrimSpace(opts.DoneDir)
	if doneDir == "" {
		doneDir = filepath.Join(spoolDir, "done")
	}
	failedDir := strings.TrimSpace(opts.FailedDir)
	if failedDir == "" {
		failedDir = filepath.Join(spoolDir, "failed")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(spoolDir, ".firesync-agent-state.json")
	}
	for _, dir := range []string{spoolDir, doneDir, failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Agent{
		client:    client,
		spoolDir:  spoolDir,
		doneDir:   doneDir,
		failedDir: failedDir,
		stateFile: stateFile,
		logger:    opts.Logger,
		state:     agentState{Contexts: map[string]causal.Clock{}},
	}, nil
}

// SweepOnce uploads every pending spool file, oldest name first.
// Files that fail transiently stay in the spool for the next sweep;
// expired bundles move to the failed directory.
func (a *Agent) SweepOnce(ctx context.Context) error {
	if err := a.loadState(); err != nil {
		return err
	}
	files, err := a.pendingFiles()
	if err != nil {
		return err
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.uploadFile(ctx, name); err != nil {
			a.logger.Warn().Err(err).Str("file", name).Msg("spool upload failed, will retry")
		}
	}
	return a.saveState()
}

// Run sweeps on startup, then on every filesystem event in the spool
// directory and on a fixed interval as a backstop, until ctx is done.
func (a *Agent) Run(ctx context.Context, ticks <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(a.spoolDir); err != nil {
		return err
	}

	if err := a.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Msg("initial sweep failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if err := a.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("sweep after fs event failed")
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn().Err(watchErr).Msg("spool watcher error")
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := a.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("interval sweep failed")
			}
		}
	}
}

func (a *Agent) pendingFiles() ([]string, error) {
	entries, err := os.ReadDir(a.spoolDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Agent) uploadFile(ctx context.Context, name string) error {
	path := filepath.Join(a.spoolDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entry spoolEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		a.logger.Error().Str("file", name).Msg("spool file is not valid json, moving to failed")
		return a.archive(path, a.failedDir, name)
	}
	sessionID := sessionIDFromBundle(entry.Bundle)
	if sessionID == "" || len(entry.Changes) == 0 {
		a.logger.Error().Str("file", name).Msg("spool file missing session or changes, moving to failed")
		return a.archive(path, a.failedDir, name)
	}

	key := idempotencyKeyFor(data)
	claimed := a.state.Contexts[sessionID]

	view, err := a.client.ImportBundle(ctx, entry.Bundle, entry.Changes, claimed, key)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) && conflict.CurrentContext != nil {
			// resubmit once claiming everything the server has seen
			view, err = a.client.ImportBundle(ctx, entry.Bundle, entry.Changes, conflict.CurrentContext, key)
		}
	}
	if err != nil {
		if errors.Is(err, ErrBundleExpired) {
			a.logger.Error().Str("file", name).Str("session", sessionID).
				Msg("bundle expired, moving to failed; re-export and re-apply edits")
			return a.archive(path, a.failedDir, name)
		}
		return err
	}

	a.state.Contexts[sessionID] = view.Clock.Copy()
	a.logger.Info().Str("file", name).Str("session", sessionID).Msg("spool file uploaded")
	return a.archive(path, a.doneDir, name)
}

func (a *Agent) archive(path, dir, name string) error {
	return os.Rename(path, filepath.Join(dir, name))
}

func (a *Agent) loadState() error {
	if a.loaded {
		return nil
	}
	a.loaded = true
	data, err := os.ReadFile(a.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.state.Contexts = map[string]causal.Clock{}
			return nil
		}
		return err
	}
	var state agentState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Contexts == nil {
		state.Contexts = map[string]causal.Clock{}
	}
	a.state = state
	return nil
}

func (a *Agent) saveState() error {
	data, err := json.Marshal(a.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(a.stateFile, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sessionIDFromBundle(bundle json.RawMessage) string {
	var envelope struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.Unmarshal(bundle, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.Session.ID)
}

func idempotencyKeyFor(data []byte) string {
	sum := sha256.Sum256(data)
	return "agent-" + hex.EncodeToString(sum[:8])
}
