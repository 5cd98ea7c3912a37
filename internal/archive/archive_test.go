package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/connector/connectortest"
	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/runner/runnertest"
	"github.com/BadgerOps/rcollect/internal/settle"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPathToPart(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "/tmp/x.7z.001"},
		{9, "/tmp/x.7z.009"},
		{10, "/tmp/x.7z.010"},
		{100, "/tmp/x.7z.100"},
	}
	for _, tt := range tests {
		if got := PathToPart("/tmp/x.7z", tt.n); got != tt.want {
			t.Errorf("PathToPart(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}

	threeDigits := regexp.MustCompile(`\.[0-9]{3}$`)
	for n := 1; n <= 999; n++ {
		if p := PathToPart(`C:\a.7z`, n); !threeDigits.MatchString(p) {
			t.Fatalf("PathToPart(%d) = %q", n, p)
		}
	}
}

func TestArgs(t *testing.T) {
	if got := CompressArgs("/s/f", true); !reflect.DeepEqual(got, []string{"a", "-t7z", "-v2m", "-mx5", "-sdel", "/s/f.7z", "/s/f"}) {
		t.Errorf("split CompressArgs() = %v", got)
	}
	if got := CompressArgs(`C:\f`, false); !reflect.DeepEqual(got, []string{"a", "-t7z", `C:\f.7z`, `C:\f`}) {
		t.Errorf("monolithic CompressArgs() = %v", got)
	}
	if got := UncompressArgs(`C:\t\f.7z.001`, `C:\t`); !reflect.DeepEqual(got, []string{"x", `C:\t\f.7z.001`, `-oC:\t`, "-aoa", "-y"}) {
		t.Errorf("UncompressArgs() = %v", got)
	}
	if FirstPart("f", true) != "f.7z.001" || FirstPart("f", false) != "f.7z" {
		t.Error("FirstPart() mismatch")
	}
}

type fixture struct {
	conn      *connectortest.Fake
	local     *runnertest.Recorder
	waits     *settle.Recorder
	remoteDir string
	localDir  string
	copier    *CompressCopier
}

func newFixture(t *testing.T, split bool) *fixture {
	t.Helper()
	f := &fixture{
		local:     &runnertest.Recorder{},
		waits:     &settle.Recorder{},
		remoteDir: t.TempDir(),
		localDir:  t.TempDir(),
	}
	t.Cleanup(settle.SetSleeper(f.waits.Sleep))
	f.conn = connectortest.New(connector.PaExec, f.remoteDir)
	f.copier = NewCompressCopier(f.conn, NewArchiver("7za.exe", f.local, quietLogger()), split, time.Minute, quietLogger())
	return f
}

// simulateRemote7z makes the fake connector behave like 7-Zip on the target.
func (f *fixture) simulateRemote7z(t *testing.T, parts int) {
	f.conn.OnCommand = func(cmd connector.Command) (string, error) {
		if len(cmd.Args) > 2 && cmd.Args[1] == "a" {
			src := cmd.Args[len(cmd.Args)-1]
			if parts == 0 {
				writeFile(t, ArchivePath(src), strings.Repeat("z", 200))
			}
			for n := 1; n <= parts; n++ {
				writeFile(t, PathToPart(ArchivePath(src), n), strings.Repeat("p", 200))
			}
		}
		return "", nil
	}
}

// simulateLocal7z makes the driver-side runner behave like 7-Zip.
func (f *fixture) simulateLocal7z(t *testing.T, parts int) {
	f.local.Respond = func(c runnertest.Call) (runner.Result, error) {
		switch c.Args[0] {
		case "a":
			src := c.Args[len(c.Args)-1]
			for n := 1; n <= parts; n++ {
				writeFile(t, PathToPart(ArchivePath(src), n), "part")
			}
		case "x":
			out := strings.TrimPrefix(c.Args[2], "-o")
			writeFile(t, filepath.Join(out, "extracted"), "evidence")
		}
		return runner.Result{}, nil
	}
}

func TestCopyFromRemoteSplit(t *testing.T) {
	f := newFixture(t, true)
	remote := filepath.Join(f.remoteDir, "Security.evtx")
	f.simulateRemote7z(t, 3)
	f.simulateLocal7z(t, 0)

	if err := f.copier.CopyFromRemote(context.Background(), remote, f.localDir); err != nil {
		t.Fatalf("CopyFromRemote() error: %v", err)
	}

	programs := f.conn.Programs()
	if len(programs) != 1 || programs[0].Args[0] != "7za.exe" || !reflect.DeepEqual(programs[0].Args[1:], CompressArgs(remote, true)) {
		t.Fatalf("remote compress = %+v", programs)
	}
	archive := ArchivePath(remote)
	wantPulls := []string{PathToPart(archive, 1), PathToPart(archive, 2), PathToPart(archive, 3), PathToPart(archive, 4)}
	if got := f.conn.Files.Pulls(); !reflect.DeepEqual(got, wantPulls) {
		t.Errorf("pulls = %v, want %v", got, wantPulls)
	}
	if got := f.conn.Files.Deletes(); !reflect.DeepEqual(got, wantPulls[:3]) {
		t.Errorf("remote deletes = %v", got)
	}

	calls := f.local.Calls()
	if len(calls) != 1 || calls[0].Args[0] != "x" || calls[0].Args[1] != filepath.Join(f.localDir, "Security.evtx.7z.001") {
		t.Errorf("local uncompress = %+v", calls)
	}
	entries, _ := os.ReadDir(f.localDir)
	if len(entries) != 1 || entries[0].Name() != "extracted" {
		t.Errorf("local dir should hold only the extracted file, got %v", entries)
	}

	want := []time.Duration{settle.RemoteSettle, settle.PartPacing, settle.PartPacing, settle.PartPacing}
	if !reflect.DeepEqual(f.waits.Waits, want) {
		t.Errorf("waits = %v, want %v", f.waits.Waits, want)
	}
}

func TestCopyFromRemoteStopsOnEmptyPart(t *testing.T) {
	f := newFixture(t, true)
	remote := filepath.Join(f.remoteDir, "SYSTEM")
	f.simulateRemote7z(t, 2)
	f.simulateLocal7z(t, 0)
	writeFile(t, PathToPart(ArchivePath(remote), 3), "")

	if err := f.copier.CopyFromRemote(context.Background(), remote, f.localDir); err != nil {
		t.Fatalf("CopyFromRemote() error: %v", err)
	}
	if n := len(f.conn.Files.Pulls()); n != 3 {
		t.Errorf("expected 3 pulls, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(f.localDir, "SYSTEM.7z.003")); !os.IsNotExist(err) {
		t.Error("zero-length part left behind")
	}
}

func TestCopyFromRemoteMonolithic(t *testing.T) {
	f := newFixture(t, false)
	remote := filepath.Join(f.remoteDir, "mem.raw")
	f.simulateRemote7z(t, 0)
	f.simulateLocal7z(t, 0)

	if err := f.copier.CopyFromRemote(context.Background(), remote, f.localDir); err != nil {
		t.Fatalf("CopyFromRemote() error: %v", err)
	}
	if got := f.conn.Files.Pulls(); !reflect.DeepEqual(got, []string{ArchivePath(remote)}) {
		t.Errorf("pulls = %v", got)
	}
	if got := f.conn.Files.Deletes(); !reflect.DeepEqual(got, []string{ArchivePath(remote)}) {
		t.Errorf("deletes = %v", got)
	}
	if _, err := os.Stat(filepath.Join(f.localDir, "mem.raw.7z")); !os.IsNotExist(err) {
		t.Error("local archive should be removed after extraction")
	}
}

func TestCopyFromRemoteContinuesAfterFailures(t *testing.T) {
	f := newFixture(t, true)
	f.conn.OnCommand = func(connector.Command) (string, error) {
		return "", failure.Newf(failure.TransportTimeout, "cmd.exe", "killed")
	}

	err := f.copier.CopyFromRemote(context.Background(), filepath.Join(f.remoteDir, "x"), f.localDir)
	if !failure.Is(err, failure.CompressionFailed) {
		t.Errorf("expected compression-failed in %v", err)
	}
	if !failure.Is(err, failure.RemotePathUnreadable) {
		t.Errorf("expected the missing first part to be reported in %v", err)
	}
	if len(f.conn.Files.Pulls()) != 1 {
		t.Error("pull must still be attempted after a failed remote compress")
	}
	if len(f.local.Calls()) != 0 {
		t.Error("nothing to extract when no part arrived")
	}
}

func TestCopyToRemoteSplit(t *testing.T) {
	f := newFixture(t, true)
	local := filepath.Join(f.localDir, "7za-tool.zip")
	writeFile(t, local, "payload")
	f.simulateLocal7z(t, 2)
	remote := filepath.Join(f.remoteDir, "7za-tool.zip")

	if err := f.copier.CopyToRemote(context.Background(), local, remote); err != nil {
		t.Fatalf("CopyToRemote() error: %v", err)
	}

	compress := f.local.Calls()[0]
	for _, a := range compress.Args {
		if a == "-sdel" {
			t.Error("pushing must keep the driver's file")
		}
	}
	if _, err := os.Stat(local); err != nil {
		t.Errorf("local source removed: %v", err)
	}

	archive := filepath.Join(f.remoteDir, "7za-tool.zip.7z")
	wantPushes := []string{archive + ".001", archive + ".002"}
	if got := f.conn.Files.Pushes(); !reflect.DeepEqual(got, wantPushes) {
		t.Errorf("pushes = %v, want %v", got, wantPushes)
	}
	programs := f.conn.Programs()
	if len(programs) != 1 || !reflect.DeepEqual(programs[0].Args, []string{"7za.exe", "x", archive + ".001", "-o" + f.remoteDir, "-aoa", "-y"}) {
		t.Errorf("remote uncompress = %+v", programs)
	}
	if got := f.conn.Files.Deletes(); !reflect.DeepEqual(got, wantPushes) {
		t.Errorf("remote deletes = %v", got)
	}
	if _, err := os.Stat(PathToPart(ArchivePath(local), 1)); !os.IsNotExist(err) {
		t.Error("local parts should be removed")
	}
	if !reflect.DeepEqual(f.waits.Waits, []time.Duration{settle.PartPacing}) {
		t.Errorf("waits = %v", f.waits.Waits)
	}
}

func TestArchiverFailure(t *testing.T) {
	rec := &runnertest.Recorder{Respond: func(runnertest.Call) (runner.Result, error) {
		return runner.Result{ExitCode: 2}, nil
	}}
	a := NewArchiver("7za.exe", rec, quietLogger())
	if err := a.Compress(context.Background(), Job{Source: "x"}); !failure.Is(err, failure.CompressionFailed) {
		t.Errorf("expected compression-failed, got %v", err)
	}
	rec.Respond = func(runnertest.Call) (runner.Result, error) {
		return runner.Result{}, errors.New("boom")
	}
	if err := a.Uncompress(context.Background(), "x.7z", 0); !failure.Is(err, failure.CompressionFailed) {
		t.Errorf("expected compression-failed, got %v", err)
	}
	wd, _ := os.Getwd()
	if got := rec.Calls()[0].Program; got != filepath.Join(wd, "7za.exe") {
		t.Errorf("binary not resolved against working directory: %q", got)
	}
}
