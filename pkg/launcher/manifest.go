package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/jrepp/procvisor/pkg/procmgr"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name Discover looks for in each worker directory
const ManifestFile = "manifest.yaml"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Manifest declares one supervised worker
type Manifest struct {
	// Name of the worker; becomes the worker id
	Name string `yaml:"name" mapstructure:"name"`

	// Path to executable binary (relative to manifest file, or looked up in PATH)
	Executable string `yaml:"executable" mapstructure:"executable"`

	// Arguments passed to the executable
	Args []string `yaml:"args" mapstructure:"args"`

	// Environment variables added on top of the supervisor environment
	Environment map[string]string `yaml:"environment" mapstructure:"environment"`

	// Working directory (relative to manifest file)
	WorkingDir string `yaml:"working_dir" mapstructure:"working_dir"`

	// Number of identical processes to run (default 1)
	Replicas int `yaml:"replicas" mapstructure:"replicas"`

	// Optional: Description of the worker
	Description string `yaml:"description" mapstructure:"description"`

	// Internal: Absolute path to manifest file (populated during load)
	manifestPath string
}

// LoadManifest loads a manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	// Store absolute path to manifest
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	manifest.manifestPath = absPath

	// Validate manifest
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("validate manifest %s: %w", path, err)
	}

	return &manifest, nil
}

// Validate checks if the manifest is valid and fills in defaults
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if !validName.MatchString(m.Name) {
		return fmt.Errorf("invalid name %q (letters, digits, '.', '_' and '-' only)", m.Name)
	}

	if m.Executable == "" {
		return fmt.Errorf("executable is required")
	}

	if m.Replicas < 0 {
		return fmt.Errorf("replicas cannot be negative, got: %d", m.Replicas)
	}
	if m.Replicas == 0 {
		m.Replicas = 1
	}

	// LookPath checks the file exists and is executable; bare names go through PATH
	execPath := m.ExecutablePath()
	if _, err := exec.LookPath(execPath); err != nil {
		return fmt.Errorf("executable not found: %s: %w", execPath, err)
	}

	if m.WorkingDir != "" {
		info, err := os.Stat(m.WorkingDirPath())
		if err != nil {
			return fmt.Errorf("working_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("working_dir is not a directory: %s", m.WorkingDirPath())
		}
	}

	return nil
}

// ExecutablePath returns the path the worker is started from. Relative paths
// containing a separator resolve against the manifest directory; bare names
// are left for PATH lookup.
func (m *Manifest) ExecutablePath() string {
	if filepath.IsAbs(m.Executable) || m.manifestPath == "" {
		return m.Executable
	}
	if filepath.Base(m.Executable) == m.Executable {
		return m.Executable
	}

	// Resolve relative to manifest directory
	return filepath.Join(filepath.Dir(m.manifestPath), m.Executable)
}

// WorkingDirPath returns the resolved working directory, or "" to inherit
func (m *Manifest) WorkingDirPath() string {
	if m.WorkingDir == "" || filepath.IsAbs(m.WorkingDir) || m.manifestPath == "" {
		return m.WorkingDir
	}
	return filepath.Join(filepath.Dir(m.manifestPath), m.WorkingDir)
}

// ManifestPath returns the absolute path to the manifest file
func (m *Manifest) ManifestPath() string {
	return m.manifestPath
}

// Descriptors expands the manifest into one worker descriptor per replica.
// A single replica keeps the manifest name as its id; replicas are numbered
// name-1 .. name-N.
func (m *Manifest) Descriptors() []procmgr.Descriptor {
	replicas := m.Replicas
	if replicas < 1 {
		replicas = 1
	}

	env := make([]string, 0, len(m.Environment))
	for k, v := range m.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	out := make([]procmgr.Descriptor, 0, replicas)
	for i := 1; i <= replicas; i++ {
		id := m.Name
		if replicas > 1 {
			id = fmt.Sprintf("%s-%d", m.Name, i)
		}
		out = append(out, procmgr.Descriptor{
			ID:   procmgr.WorkerID(id),
			Path: m.ExecutablePath(),
			Args: append([]string(nil), m.Args...),
			Env:  append([]string(nil), env...),
			Dir:  m.WorkingDirPath(),
		})
	}
	return out
}
