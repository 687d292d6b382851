package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/goplus/corebuild/internal/descriptor"
	"github.com/goplus/corebuild/internal/fsys"
	"github.com/goplus/corebuild/internal/manifest"
	"github.com/goplus/corebuild/internal/run/runtest"
	"github.com/goplus/corebuild/internal/vcs"
	"github.com/goplus/corebuild/pkgs/buildsys/gobuild"
	"github.com/goplus/corebuild/pkgs/plist"
)

const (
	goModPath = "go.mod"
	infoPath  = "../info.plist"

	goMod = `module github.com/yichengchen/clashX/ClashX

go 1.24

require (
	github.com/Dreamacro/clash v1.18.0
	github.com/yichengchen/clashX/ClashX/helper v0.0.1
)
`
)

var stamp = time.Date(2024, 3, 9, 17, 5, 0, 0, time.Local)

func infoPlist(t *testing.T) []byte {
	t.Helper()
	d := plist.NewDict()
	d.Set("CFBundleName", "ClashX")
	d.Set("coreVersion", "v1.0.0")
	d.Set("CFBundleVersion", "130")
	data, err := plist.Encode(d, plist.Binary)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

type fixture struct {
	fs      *fsys.Mem
	rec     *runtest.Recorder
	builder *gobuild.GoBuild
	mods    *fakeModules
}

// fakeModules records the reinstall steps and lets tests emulate the tidy
// step pinning a concrete version.
type fakeModules struct {
	steps []string
	tidy  func() error
}

func (m *fakeModules) Download(ctx context.Context) error {
	m.steps = append(m.steps, "download")
	return nil
}

func (m *fakeModules) Tidy(ctx context.Context) error {
	m.steps = append(m.steps, "tidy")
	if m.tidy != nil {
		return m.tidy()
	}
	return nil
}

func newFixture(t *testing.T, files map[string][]byte) *fixture {
	t.Helper()
	if files == nil {
		files = map[string][]byte{
			goModPath: []byte(goMod),
			infoPath:  infoPlist(t),
		}
	}
	fs := fsys.NewMem(files)
	rec := runtest.New()
	rec.Outputs["git rev-parse --abbrev-ref HEAD"] = "master\n"
	rec.Outputs["git describe --always"] = "v1.30.0-2-gabcdef0\n"
	return &fixture{
		fs:  fs,
		rec: rec,
		builder: gobuild.New(
			gobuild.WithRunner(rec),
			gobuild.WithClock(func() time.Time { return stamp }),
		),
		mods: &fakeModules{},
	}
}

func (f *fixture) pipeline(cfg Config) *Pipeline {
	if cfg.DescriptorPath == "" {
		cfg.DescriptorPath = goModPath
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = infoPath
	}
	if cfg.Matcher.Include == "" {
		cfg.Matcher = descriptor.Matcher{Include: "clash", Exclude: "ClashX"}
	}
	return New(cfg, Deps{
		FS:      f.fs,
		Builder: f.builder,
		Modules: f.mods,
		VCS:     vcs.NewGitVCS(vcs.WithRunner(f.rec)),
		Now:     func() time.Time { return stamp },
	})
}

func (f *fixture) buildKey(t *testing.T, version string) string {
	t.Helper()
	cmd, err := f.builder.Command(version, stamp.Format(gobuild.TimeLayout))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	return runtest.Key(cmd)
}

func (f *fixture) manifest(t *testing.T) *plist.Dict {
	t.Helper()
	data, err := f.fs.ReadFile(infoPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	v, _, err := plist.Decode(data)
	if err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return v.(*plist.Dict)
}

func TestBuildOnlyOutsideCI(t *testing.T) {
	f := newFixture(t, nil)
	before := infoPlist(t)

	res, err := f.pipeline(Config{}).BuildOnly(context.Background())
	if err != nil {
		t.Fatalf("BuildOnly: %v", err)
	}
	if res.Version != "v1.18.0" || res.Synced {
		t.Errorf("result = %+v, want version v1.18.0 and no sync", res)
	}
	if diff := cmp.Diff([]string{f.buildKey(t, "v1.18.0")}, f.rec.Keys()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if w := f.fs.Writes(); len(w) != 0 {
		t.Errorf("wrote %v outside CI", w)
	}
	after, _ := f.fs.ReadFile(infoPath)
	if !bytes.Equal(before, after) {
		t.Error("manifest changed outside CI")
	}
}

func TestBuildOnlyInCI(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.pipeline(Config{CI: true}).BuildOnly(context.Background())
	if err != nil {
		t.Fatalf("BuildOnly: %v", err)
	}
	if !res.Synced {
		t.Error("Synced = false in CI")
	}
	if diff := cmp.Diff([]string{infoPath}, f.fs.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	got := f.manifest(t)
	if diff := cmp.Diff([]string{"CFBundleName", "coreVersion", "CFBundleVersion"}, got.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := got.Get(manifest.KeyCoreVersion); v != "v1.18.0" {
		t.Errorf("coreVersion = %v, want v1.18.0", v)
	}
	// Only the build ran: no git queries without full metadata.
	if n := len(f.rec.Calls); n != 1 {
		t.Errorf("ran %d commands, want 1: %v", n, f.rec.Keys())
	}
}

func TestBuildOnlyFullMetadata(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.pipeline(Config{CI: true, FullMetadata: true, GitDir: ".."}).BuildOnly(context.Background()); err != nil {
		t.Fatalf("BuildOnly: %v", err)
	}
	got := f.manifest(t)
	want := map[string]string{
		manifest.KeyCoreVersion: "v1.18.0",
		manifest.KeyGitBranch:   "master",
		manifest.KeyGitCommit:   "v1.30.0-2-gabcdef0",
		manifest.KeyBuildTime:   "2024-03-09 17:05",
	}
	for k, v := range want {
		if have, _ := got.Get(k); have != v {
			t.Errorf("%s = %v, want %q", k, have, v)
		}
	}
	for _, c := range f.rec.Calls[1:] {
		if c.Dir != ".." {
			t.Errorf("%s ran in %q, want ..", runtest.Key(c), c.Dir)
		}
	}
}

func TestBuildOnlyEmptyManifest(t *testing.T) {
	empty, err := plist.Encode(plist.NewDict(), plist.Binary)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, map[string][]byte{goModPath: []byte(goMod), infoPath: empty})

	_, err = f.pipeline(Config{CI: true}).BuildOnly(context.Background())
	if !errors.Is(err, manifest.ErrEmpty) {
		t.Fatalf("BuildOnly err = %v, want ErrEmpty", err)
	}
	if w := f.fs.Writes(); len(w) != 0 {
		t.Errorf("wrote %v on an empty manifest", w)
	}
}

func TestBuildFailureSkipsSync(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("exit status 2")
	f.rec.Errors[f.buildKey(t, "v1.18.0")] = boom

	res, err := f.pipeline(Config{CI: true}).BuildOnly(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("BuildOnly err = %v, want %v", err, boom)
	}
	if res.Synced {
		t.Error("Synced after a failed build")
	}
	if w := f.fs.Writes(); len(w) != 0 {
		t.Errorf("wrote %v after a failed build", w)
	}
}

func TestBuildOnlyUnknownVersion(t *testing.T) {
	f := newFixture(t, map[string][]byte{goModPath: []byte("module example.com/app\n")})

	res, err := f.pipeline(Config{}).BuildOnly(context.Background())
	if err != nil {
		t.Fatalf("BuildOnly: %v", err)
	}
	if res.Version != descriptor.Unknown {
		t.Errorf("Version = %q, want %q", res.Version, descriptor.Unknown)
	}
	if diff := cmp.Diff([]string{f.buildKey(t, descriptor.Unknown)}, f.rec.Keys()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildOnlyDryRun(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.pipeline(Config{CI: true, DryRun: true}).BuildOnly(context.Background())
	if err != nil {
		t.Fatalf("BuildOnly: %v", err)
	}
	if len(f.rec.Calls) != 0 || len(f.fs.Writes()) != 0 {
		t.Errorf("dry run ran %v and wrote %v", f.rec.Keys(), f.fs.Writes())
	}
	for _, sub := range []string{"v1.18.0", "2024-03-09-1705", "goClash.a"} {
		if !strings.Contains(res.Command, sub) {
			t.Errorf("Command %q does not contain %q", res.Command, sub)
		}
	}
}

func TestUpgrade(t *testing.T) {
	f := newFixture(t, nil)
	const pinned = "v0.0.0-20240301120000-abcdefabcdef"
	var rewritten string
	f.mods.tidy = func() error {
		data, _ := f.fs.ReadFile(goModPath)
		rewritten = string(data)
		return f.fs.WriteFile(goModPath, []byte(strings.ReplaceAll(rewritten, "clashr", pinned)))
	}

	res, err := f.pipeline(Config{CI: true}).Upgrade(context.Background(), "clashr")
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	want := Result{
		PreviousVersion: "v1.18.0",
		Version:         pinned,
		Output:          "goClash.a",
		Command:         res.Command,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(rewritten, "github.com/Dreamacro/clash clashr") {
		t.Errorf("descriptor before tidy:\n%s", rewritten)
	}
	if diff := cmp.Diff([]string{"download", "tidy"}, f.mods.steps); diff != "" {
		t.Errorf("module steps mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{f.buildKey(t, pinned)}, f.rec.Keys()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	for _, w := range f.fs.Writes() {
		if w == infoPath {
			t.Error("Upgrade wrote the manifest")
		}
	}
}

func TestUpgradeRecordScope(t *testing.T) {
	text := goMod + "// pinned at v1.18.0\n"
	f := newFixture(t, map[string][]byte{goModPath: []byte(text)})

	if _, err := f.pipeline(Config{Scope: descriptor.ScopeRecord}).Upgrade(context.Background(), "clashr"); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	data, _ := f.fs.ReadFile(goModPath)
	if !strings.Contains(string(data), "// pinned at v1.18.0") {
		t.Errorf("record rewrite touched an unrelated line:\n%s", data)
	}
	if diff := cmp.Diff([]string{f.buildKey(t, "clashr")}, f.rec.Keys()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestUpgradeAborts(t *testing.T) {
	tests := map[string]struct {
		files      map[string][]byte
		identifier string
	}{
		"no ident":  {map[string][]byte{goModPath: []byte(goMod)}, ""},
		"no go.mod": {map[string][]byte{}, "clashr"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tt.files)
			if _, err := f.pipeline(Config{}).Upgrade(context.Background(), tt.identifier); err == nil {
				t.Fatal("Upgrade succeeded")
			}
			if len(f.fs.Writes()) != 0 || len(f.mods.steps) != 0 || len(f.rec.Calls) != 0 {
				t.Errorf("aborted upgrade wrote %v, reinstalled %v, ran %v",
					f.fs.Writes(), f.mods.steps, f.rec.Keys())
			}
		})
	}
}

func TestUpgradeUnknownVersionProceeds(t *testing.T) {
	const text = "module example.com/app\n\n// core: unknown\n"
	f := newFixture(t, map[string][]byte{goModPath: []byte(text)})

	res, err := f.pipeline(Config{}).Upgrade(context.Background(), "clashr")
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	// The rewritten comment line now carries the marker and resolves.
	if res.PreviousVersion != descriptor.Unknown || res.Version != "clashr" {
		t.Errorf("result = %+v, want unknown upgraded to clashr", res)
	}
	data, _ := f.fs.ReadFile(goModPath)
	if want := "module example.com/app\n\n// core: clashr\n"; string(data) != want {
		t.Errorf("descriptor = %q, want %q", data, want)
	}
	if diff := cmp.Diff([]string{"download", "tidy"}, f.mods.steps); diff != "" {
		t.Errorf("module steps mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{f.buildKey(t, "clashr")}, f.rec.Keys()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestUpgradeRecordScopeNoMatch(t *testing.T) {
	f := newFixture(t, map[string][]byte{goModPath: []byte("module example.com/app\n")})

	if _, err := f.pipeline(Config{Scope: descriptor.ScopeRecord}).Upgrade(context.Background(), "clashr"); err == nil {
		t.Fatal("Upgrade succeeded without a matching line")
	}
	if len(f.fs.Writes()) != 0 || len(f.mods.steps) != 0 || len(f.rec.Calls) != 0 {
		t.Errorf("aborted upgrade wrote %v, reinstalled %v, ran %v",
			f.fs.Writes(), f.mods.steps, f.rec.Keys())
	}
}

func TestUpgradeUnquotableIdentifier(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.pipeline(Config{DryRun: true}).Upgrade(context.Background(), `v1"a'b`)
	if !errors.Is(err, gobuild.ErrUnquotable) {
		t.Fatalf("Upgrade err = %v, want ErrUnquotable", err)
	}
	if len(f.rec.Calls) != 0 {
		t.Errorf("ran %v", f.rec.Keys())
	}
}

func TestUpgradeDryRun(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.pipeline(Config{DryRun: true}).Upgrade(context.Background(), "clashr")
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if res.PreviousVersion != "v1.18.0" || res.Version != "clashr" {
		t.Errorf("result = %+v", res)
	}
	if len(f.fs.Writes()) != 0 || len(f.mods.steps) != 0 || len(f.rec.Calls) != 0 {
		t.Errorf("dry run wrote %v, reinstalled %v, ran %v", f.fs.Writes(), f.mods.steps, f.rec.Keys())
	}
}

func TestSyncInfo(t *testing.T) {
	f := newFixture(t, nil)

	md, err := f.pipeline(Config{}).SyncInfo(context.Background())
	if err != nil {
		t.Fatalf("SyncInfo: %v", err)
	}
	want := manifest.Metadata{
		CoreVersion: "v1.18.0",
		GitBranch:   "master",
		GitCommit:   "v1.30.0-2-gabcdef0",
		BuildTime:   "2024-03-09 17:05",
	}
	if diff := cmp.Diff(want, md); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	got := f.manifest(t)
	wantKeys := []string{"CFBundleName", "coreVersion", "CFBundleVersion", "gitBranch", "gitCommit", "buildTime"}
	if diff := cmp.Diff(wantKeys, got.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{infoPath}, f.fs.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}
