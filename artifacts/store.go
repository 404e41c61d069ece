package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/repviz/cka"
	"github.com/tsawler/repviz/export"
	"github.com/tsawler/repviz/faults"
)

// Artifact names within a model directory.
const (
	NameBundle      = "bundle"
	NameStats       = "stats"
	NameStructure   = "structure"
	NamePredictions = "predictions"
	NameCheckpoint  = "checkpoint"
)

// SimilarityName is the artifact name of the CKA report against other.
func SimilarityName(other string) string {
	return "cka_" + other
}

// Store keeps artifacts at <root>/<model>/<name><ext>. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partial artifact.
type Store struct {
	root   string
	format Format
	logger *slog.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, format Format, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: root, format: format, logger: logger}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Format returns the format used for writes.
func (s *Store) Format() Format { return s.format }

func validName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return faults.Newf(faults.CodeInvalidArgument, faults.CategoryValidation, "invalid %s name %q", kind, name)
	}
	return nil
}

// Save writes v as artifact name of model and returns its path.
func (s *Store) Save(model, name string, v any) (string, error) {
	if err := validName("model", model); err != nil {
		return "", err
	}
	if err := validName("artifact", name); err != nil {
		return "", err
	}

	data, err := encode(s.format, v)
	if err != nil {
		return "", faults.New(faults.CodeInternal, faults.CategoryStorage, "failed to encode artifact").
			With("model", model).With("artifact", name).Wrap(err)
	}

	dir := filepath.Join(s.root, model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}

	path := filepath.Join(dir, name+s.format.Extension())
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}

	s.logger.Debug("artifact saved",
		slog.String("model", model),
		slog.String("artifact", name),
		slog.String("format", s.format.String()),
		slog.Int("bytes", len(data)))
	return path, nil
}

// Load reads artifact name of model into v. Either format is accepted; the
// store's own format is tried first.
func (s *Store) Load(model, name string, v any) error {
	if err := validName("model", model); err != nil {
		return err
	}
	if err := validName("artifact", name); err != nil {
		return err
	}

	path, format, ok := s.locate(model, name)
	if !ok {
		return faults.New(faults.CodeArtifactNotFound, faults.CategoryStorage, "artifact not found").
			With("model", model).With("artifact", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return faults.New(faults.CodeArtifactNotFound, faults.CategoryStorage, "artifact not found").
				With("model", model).With("artifact", name)
		}
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := decode(format, data, v); err != nil {
		return faults.New(faults.CodeArtifactCorrupt, faults.CategoryStorage, "failed to decode artifact").
			With("model", model).With("artifact", name).With("format", format.String()).Wrap(err)
	}
	return nil
}

func (s *Store) locate(model, name string) (string, Format, bool) {
	formats := []Format{s.format, FormatJSON, FormatProto}
	for _, f := range formats {
		path := filepath.Join(s.root, model, name+f.Extension())
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, f, true
		}
	}
	return "", 0, false
}

// Exists reports whether artifact name of model is stored in any format.
func (s *Store) Exists(model, name string) bool {
	if validName("model", model) != nil || validName("artifact", name) != nil {
		return false
	}
	_, _, ok := s.locate(model, name)
	return ok
}

// Models lists the model directories in name order.
func (s *Store) Models() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	models := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			models = append(models, e.Name())
		}
	}
	sort.Strings(models)
	return models, nil
}

// Artifacts lists the artifact names stored for model.
func (s *Store) Artifacts(model string) ([]string, error) {
	if err := validName("model", model); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, model))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, faults.New(faults.CodeArtifactNotFound, faults.CategoryStorage, "model not found").
				With("model", model)
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	seen := make(map[string]bool)
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := filepath.Ext(e.Name())
		if _, ok := formatOf(ext); !ok {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes every artifact of model.
func (s *Store) Remove(model string) error {
	if err := validName("model", model); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, model))
}

// SaveBundle stores the capture bundle under the bundle's model name.
func (s *Store) SaveBundle(b *export.Bundle) (string, error) {
	return s.Save(b.Model, NameBundle, b)
}

// LoadBundle reads the capture bundle of model.
func (s *Store) LoadBundle(model string) (*export.Bundle, error) {
	var b export.Bundle
	if err := s.Load(model, NameBundle, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveSimilarity stores r under its first model, named after the second.
func (s *Store) SaveSimilarity(r *cka.Report) (string, error) {
	return s.Save(r.Model1, SimilarityName(r.Model2), r)
}

// LoadSimilarity reads the stored report of model1 against model2.
func (s *Store) LoadSimilarity(model1, model2 string) (*cka.Report, error) {
	var r cka.Report
	if err := s.Load(model1, SimilarityName(model2), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveCheckpoint stores a model checkpoint, filling missing metadata.
func (s *Store) SaveCheckpoint(model string, c *Checkpoint) (string, error) {
	c.Metadata.fill()
	return s.Save(model, NameCheckpoint, c)
}

// LoadCheckpoint reads the checkpoint of model.
func (s *Store) LoadCheckpoint(model string) (*Checkpoint, error) {
	var c Checkpoint
	if err := s.Load(model, NameCheckpoint, &c); err != nil {
		return nil, err
	}
	if c.ModelSpec == nil {
		return nil, faults.New(faults.CodeArtifactCorrupt, faults.CategoryStorage, "checkpoint has no model spec").
			With("model", model)
	}
	return &c, nil
}
