// Package directory manages the set of named caches a process has open:
// alias resolution (alias -> name@version), schema loading, and the
// versioned roll-forward a schema change triggers. Each cache version
// lives in its own subdirectory, <base>/<name>/v<N>/, opened as its own
// kv.Environment.
package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dozerdb/cache-engine/internal/engine"
	"github.com/dozerdb/cache-engine/internal/index"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/schema"
)

// aliasFile is the on-disk shape of aliases.yaml: alias -> "name@version".
type aliasFile map[string]string

// Directory tracks every open cache under one base directory, plus the
// alias file that maps friendly names to a specific name@version.
type Directory struct {
	baseDir   string
	openEnv   func(dir string) (kv.Environment, error)
	mu        sync.RWMutex
	engines   map[string]map[int]*engine.Engine // name -> version -> engine
	envs      map[string]map[int]kv.Environment
	cancels   map[string]map[int]context.CancelFunc
	aliases   aliasFile
	watcher   *fsnotify.Watcher
	watchStop chan struct{}
}

// Open creates a Directory rooted at baseDir, loading aliases.yaml if
// present (a missing file means no aliases are declared yet). openEnv
// opens the concrete kv.Environment for a version directory; tests pass
// a constructor backed by kv.OpenMemory, production code one backed by
// the mdbx-go implementation.
func Open(baseDir string, openEnv func(dir string) (kv.Environment, error)) (*Directory, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("directory: create base dir: %w", err)
	}
	d := &Directory{
		baseDir: baseDir,
		openEnv: openEnv,
		engines: map[string]map[int]*engine.Engine{},
		envs:    map[string]map[int]kv.Environment{},
		cancels: map[string]map[int]context.CancelFunc{},
		aliases: aliasFile{},
	}
	if err := d.loadAliases(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) aliasPath() string { return filepath.Join(d.baseDir, "aliases.yaml") }

func (d *Directory) loadAliases() error {
	b, err := os.ReadFile(d.aliasPath())
	if os.IsNotExist(err) {
		d.mu.Lock()
		d.aliases = aliasFile{}
		d.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("directory: read aliases: %w", err)
	}
	var parsed aliasFile
	if err := yaml.Unmarshal(b, &parsed); err != nil {
		return fmt.Errorf("directory: parse aliases.yaml: %w", err)
	}
	if parsed == nil {
		parsed = aliasFile{}
	}
	d.mu.Lock()
	d.aliases = parsed
	d.mu.Unlock()
	return nil
}

// WatchAliases starts an fsnotify watch on the alias file's directory,
// reloading aliases.yaml whenever it changes, until ctx is cancelled.
func (d *Directory) WatchAliases(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("directory: start watcher: %w", err)
	}
	if err := w.Add(d.baseDir); err != nil {
		w.Close()
		return fmt.Errorf("directory: watch base dir: %w", err)
	}
	d.watcher = w
	d.watchStop = make(chan struct{})

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.watchStop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(d.aliasPath()) {
					_ = d.loadAliases()
				}
			case <-w.Errors:
				// Transient fsnotify errors don't stop the watch; the next
				// event (if any) is still delivered on the same channel.
			}
		}
	}()
	return nil
}

// StopWatch halts a watch started by WatchAliases. Safe to call even if
// no watch is running.
func (d *Directory) StopWatch() {
	if d.watchStop != nil {
		close(d.watchStop)
	}
}

// Resolve parses a "name", "name@version" or alias reference into its
// (name, version) pair. version 0 is returned when the reference omits
// one and no alias supplies it, meaning "latest" to the caller.
func (d *Directory) Resolve(ref string) (name string, version int, err error) {
	d.mu.RLock()
	if target, ok := d.aliases[ref]; ok {
		ref = target
	}
	d.mu.RUnlock()

	if i := strings.LastIndex(ref, "@"); i >= 0 {
		v, err := strconv.Atoi(ref[i+1:])
		if err != nil {
			return "", 0, fmt.Errorf("directory: invalid version in reference %q: %w", ref, err)
		}
		return ref[:i], v, nil
	}
	return ref, 0, nil
}

// Repoint atomically updates alias to point at name@version, replacing
// aliases.yaml via write-temp-then-rename so a reader never observes a
// partially written file.
func (d *Directory) Repoint(alias, name string, version int) error {
	d.mu.Lock()
	if d.aliases == nil {
		d.aliases = aliasFile{}
	}
	d.aliases[alias] = fmt.Sprintf("%s@%d", name, version)
	snapshot := make(aliasFile, len(d.aliases))
	for k, v := range d.aliases {
		snapshot[k] = v
	}
	d.mu.Unlock()

	out, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("directory: marshal aliases: %w", err)
	}
	return writeFileAtomic(d.aliasPath(), out)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("directory: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("directory: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("directory: close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// LoadSchema reads a TOML schema declaration from path. The declared
// field order becomes the schema's field order.
func LoadSchema(path string) (*schema.Schema, error) {
	var decl schemaDecl
	if _, err := toml.DecodeFile(path, &decl); err != nil {
		return nil, fmt.Errorf("directory: decode schema %s: %w", path, err)
	}
	sch, err := decl.toSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(); err != nil {
		return nil, fmt.Errorf("directory: %s: %w", path, err)
	}
	return sch, nil
}

type schemaDecl struct {
	Name         string        `toml:"name"`
	PrimaryIndex []int         `toml:"primary_index"`
	Fields       []fieldDecl   `toml:"fields"`
}

type fieldDecl struct {
	Name     string `toml:"name"`
	Type     string `toml:"type"`
	Nullable bool   `toml:"nullable"`
}

func (d schemaDecl) toSchema() (*schema.Schema, error) {
	fields := make([]schema.FieldDefinition, len(d.Fields))
	for i, f := range d.Fields {
		t, err := parseFieldType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[i] = schema.FieldDefinition{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return &schema.Schema{Name: d.Name, Fields: fields, PrimaryIndex: d.PrimaryIndex}, nil
}

func parseFieldType(s string) (schema.FieldType, error) {
	switch s {
	case "int8":
		return schema.FieldTypeInt8, nil
	case "int16":
		return schema.FieldTypeInt16, nil
	case "int32":
		return schema.FieldTypeInt32, nil
	case "int64":
		return schema.FieldTypeInt64, nil
	case "uint8":
		return schema.FieldTypeUint8, nil
	case "uint16":
		return schema.FieldTypeUint16, nil
	case "uint32":
		return schema.FieldTypeUint32, nil
	case "uint64":
		return schema.FieldTypeUint64, nil
	case "float32":
		return schema.FieldTypeFloat32, nil
	case "float64":
		return schema.FieldTypeFloat64, nil
	case "decimal":
		return schema.FieldTypeDecimal, nil
	case "string":
		return schema.FieldTypeString, nil
	case "text":
		return schema.FieldTypeText, nil
	case "binary":
		return schema.FieldTypeBinary, nil
	case "timestamp":
		return schema.FieldTypeTimestamp, nil
	case "date":
		return schema.FieldTypeDate, nil
	case "bool":
		return schema.FieldTypeBool, nil
	case "point":
		return schema.FieldTypePoint, nil
	case "duration":
		return schema.FieldTypeDuration, nil
	case "json":
		return schema.FieldTypeJSON, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", s)
	}
}

// versionDir returns <base>/<name>/v<version>.
func (d *Directory) versionDir(name string, version int) string {
	return filepath.Join(d.baseDir, name, "v"+strconv.Itoa(version))
}

// Build opens (creating if necessary) name@version against sch, derives
// its secondary indexes from defs (pass nil to accept
// index.DefaultDefinitions(sch, nil)), starts its index appliers, and
// caches the resulting engine for subsequent Get calls. The appliers run
// until Close or the returned engine's own Stop is called.
func (d *Directory) Build(ctx context.Context, name string, version int, sch *schema.Schema, defs []index.Definition, appendOnly bool) (*engine.Engine, error) {
	dir := d.versionDir(name, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("directory: create version dir: %w", err)
	}
	env, err := d.openEnv(dir)
	if err != nil {
		return nil, err
	}
	if defs == nil {
		defs = index.DefaultDefinitions(sch, nil)
	}
	e, err := engine.Open(env, sch, defs, appendOnly)
	if err != nil {
		env.Close()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.Start(runCtx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engines[name] == nil {
		d.engines[name] = map[int]*engine.Engine{}
		d.envs[name] = map[int]kv.Environment{}
		d.cancels[name] = map[int]context.CancelFunc{}
	}
	d.engines[name][version] = e
	d.envs[name][version] = env
	d.cancels[name][version] = cancel
	return e, nil
}

// Get returns the already-built engine for name@version, or ok=false if
// it has not been Build-ed in this process.
func (d *Directory) Get(name string, version int) (*engine.Engine, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	versions, ok := d.engines[name]
	if !ok {
		return nil, false
	}
	e, ok := versions[version]
	return e, ok
}

// LatestVersion returns the highest version directory that exists on
// disk for name, or 0 if none does.
func (d *Directory) LatestVersion(name string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(d.baseDir, name))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("directory: list versions of %q: %w", name, err)
	}
	var versions []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "v") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "v"))
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	if len(versions) == 0 {
		return 0, nil
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}

// Close stops every engine's index appliers and releases every open
// environment this Directory built.
func (d *Directory) Close() error {
	d.StopWatch()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, versions := range d.cancels {
		for _, cancel := range versions {
			cancel()
		}
	}
	var firstErr error
	for _, versions := range d.engines {
		for _, e := range versions {
			if err := e.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, versions := range d.envs {
		for _, env := range versions {
			if err := env.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
