package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/schema"
)

func memEnvOpener(dir string) (kv.Environment, error) {
	return kv.OpenMemory(), nil
}

func widgetSchema() *schema.Schema {
	return &schema.Schema{
		Name:         "widgets",
		Fields:       []schema.FieldDefinition{{Name: "id", Type: schema.FieldTypeString}},
		PrimaryIndex: []int{0},
	}
}

func TestBuildThenGetReturnsSameCache(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, memEnvOpener)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	e1, err := d.Build(ctx, "widgets", 1, widgetSchema(), nil, false)
	if err != nil {
		t.Fatal(err)
	}
	e2, ok := d.Get("widgets", 1)
	if !ok || e2 != e1 {
		t.Fatalf("Get did not return the built engine")
	}
}

func TestRepointThenResolve(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, memEnvOpener)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Repoint("prod", "widgets", 3); err != nil {
		t.Fatal(err)
	}
	name, version, err := d.Resolve("prod")
	if err != nil {
		t.Fatal(err)
	}
	if name != "widgets" || version != 3 {
		t.Fatalf("got (%s, %d), want (widgets, 3)", name, version)
	}

	if _, err := os.Stat(filepath.Join(dir, "aliases.yaml")); err != nil {
		t.Fatalf("expected aliases.yaml to exist on disk: %v", err)
	}
}

func TestResolveExplicitVersionReference(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, memEnvOpener)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	name, version, err := d.Resolve("widgets@2")
	if err != nil {
		t.Fatal(err)
	}
	if name != "widgets" || version != 2 {
		t.Fatalf("got (%s, %d), want (widgets, 2)", name, version)
	}
}

func TestLatestVersionFindsHighestDirectory(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, memEnvOpener)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	if _, err := d.Build(ctx, "widgets", 1, widgetSchema(), nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Build(ctx, "widgets", 2, widgetSchema(), nil, false); err != nil {
		t.Fatal(err)
	}
	v, err := d.LatestVersion("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("latest version = %d, want 2", v)
	}
}

func TestLoadSchemaFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.toml")
	contents := `
name = "widgets"
primary_index = [0]

[[fields]]
name = "id"
type = "string"

[[fields]]
name = "count"
type = "int64"
nullable = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	sch, err := LoadSchema(path)
	if err != nil {
		t.Fatal(err)
	}
	if sch.Name != "widgets" || len(sch.Fields) != 2 || sch.Fields[1].Type != schema.FieldTypeInt64 || !sch.Fields[1].Nullable {
		t.Fatalf("unexpected schema: %+v", sch)
	}
}
