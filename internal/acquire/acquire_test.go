package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/rcollect/internal/archive"
	"github.com/BadgerOps/rcollect/internal/connector"
	"github.com/BadgerOps/rcollect/internal/connector/connectortest"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/runner/runnertest"
	"github.com/BadgerOps/rcollect/internal/settle"
	"github.com/BadgerOps/rcollect/internal/store"
)

type memLedger struct {
	artifacts []store.Artifact
}

func (m *memLedger) RecordArtifact(a *store.Artifact) error {
	m.artifacts = append(m.artifacts, *a)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writesArtifact makes the fake target create the file named by the
// argument at index from the end.
func writesArtifact(t *testing.T, fromEnd int, content string) func(connector.Command) (string, error) {
	return func(cmd connector.Command) (string, error) {
		path := cmd.Args[len(cmd.Args)-1-fromEnd]
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return "", nil
	}
}

func TestAcquireRaw(t *testing.T) {
	waits := &settle.Recorder{}
	t.Cleanup(settle.SetSleeper(waits.Sleep))
	remoteDir, storeDir := t.TempDir(), t.TempDir()
	conn := connectortest.New(connector.PaExec, remoteDir)
	conn.OnCommand = writesArtifact(t, 1, "hive data")
	ledger := &memLedger{}

	a := &Acquirer{
		StoreDir:        storeDir,
		Conn:            conn,
		ReportExt:       "hiv",
		OverwriteSwitch: "/y",
		Timeout:         time.Minute,
		Ledger:          ledger,
		RunID:           7,
		Logger:          quietLogger(),
	}
	res := a.Acquire(context.Background(), "registry-SAM", []string{"reg", "save", `HKLM\SAM`})
	if res.Err != nil {
		t.Fatalf("Acquire() error: %v", res.Err)
	}

	wantReport := filepath.Join(storeDir, "PAEXEC-registry-SAM_10-0-0-5_alice.hiv")
	wantRemote := filepath.Join(remoteDir, "PAEXEC-registry-SAM_10-0-0-5_alice.hiv")
	if res.ReportPath != wantReport || res.RemotePath != wantRemote {
		t.Errorf("paths = %q, %q", res.ReportPath, res.RemotePath)
	}

	cmds := conn.Commands()
	if len(cmds) != 1 || !reflect.DeepEqual(cmds[0].Args, []string{"reg", "save", `HKLM\SAM`, wantRemote, "/y"}) {
		t.Fatalf("commands = %+v", cmds)
	}
	if !cmds[0].Elevated || cmds[0].Timeout != time.Minute || cmds[0].ReportDir != "" {
		t.Errorf("command must be elevated, timed and uncaptured: %+v", cmds[0])
	}
	if got, _ := os.ReadFile(wantReport); string(got) != "hive data" {
		t.Errorf("artifact content = %q", got)
	}
	if !reflect.DeepEqual(conn.Files.Deletes(), []string{wantRemote}) {
		t.Errorf("deletes = %v", conn.Files.Deletes())
	}
	if !reflect.DeepEqual(waits.Waits, []time.Duration{settle.RemoteSettle, settle.ShortSettle}) {
		t.Errorf("waits = %v", waits.Waits)
	}

	if len(ledger.artifacts) != 1 {
		t.Fatalf("ledger = %+v", ledger.artifacts)
	}
	got := ledger.artifacts[0]
	if got.Status != store.StatusCollected || got.RunID != 7 || got.Size != 9 || len(got.SHA256) != 64 || got.Method != "PAEXEC" {
		t.Errorf("ledger entry = %+v", got)
	}
}

func TestAcquireContinuesAfterFailedRun(t *testing.T) {
	t.Cleanup(settle.SetSleeper((&settle.Recorder{}).Sleep))
	conn := connectortest.New(connector.WMI, t.TempDir())
	conn.OnCommand = func(connector.Command) (string, error) {
		return "", errors.New("launch failed")
	}
	ledger := &memLedger{}

	a := &Acquirer{StoreDir: t.TempDir(), Conn: conn, Ledger: ledger, Logger: quietLogger()}
	res := a.Acquire(context.Background(), "events-System", []string{"wevtutil", "epl", "System"})
	if res.Err == nil {
		t.Fatal("expected joined error")
	}
	for _, step := range []string{"run", "pull", "delete remote"} {
		if !strings.Contains(res.Err.Error(), step+":") {
			t.Errorf("step %q not reported in %v", step, res.Err)
		}
	}
	if len(conn.Files.Pulls()) != 1 || len(conn.Files.Deletes()) != 1 {
		t.Error("later steps must still run")
	}
	if len(ledger.artifacts) != 1 || ledger.artifacts[0].Status != store.StatusFailed || ledger.artifacts[0].ErrorMessage == "" {
		t.Errorf("ledger = %+v", ledger.artifacts)
	}
}

func TestAcquireStagedProgramWithSplitCompression(t *testing.T) {
	t.Cleanup(settle.SetSleeper((&settle.Recorder{}).Sleep))
	remoteDir, storeDir := t.TempDir(), t.TempDir()
	conn := connectortest.New(connector.PaExec, remoteDir)
	memory := strings.Repeat("m", 300)
	conn.OnCommand = func(cmd connector.Command) (string, error) {
		switch cmd.Args[0] {
		case "winpmem.exe":
			return writesArtifact(t, 0, memory)(cmd)
		case "7za.exe":
			src := cmd.Args[len(cmd.Args)-1]
			content, err := os.ReadFile(src)
			if err != nil {
				return "", err
			}
			os.Remove(src)
			return "", os.WriteFile(archive.PathToPart(archive.ArchivePath(src), 1), content, 0o644)
		}
		return "", nil
	}

	local := &runnertest.Recorder{}
	local.Respond = func(c runnertest.Call) (runner.Result, error) {
		if c.Args[0] == "x" {
			part := c.Args[1]
			content, _ := os.ReadFile(part)
			orig := strings.TrimSuffix(part, archive.Ext+".001")
			return runner.Result{}, os.WriteFile(orig, content, 0o644)
		}
		return runner.Result{}, nil
	}

	a := &Acquirer{
		StoreDir:     storeDir,
		Conn:         conn,
		Compression:  Split,
		ReportExt:    "raw",
		Archiver:     archive.NewArchiver("7za.exe", local, quietLogger()),
		StageProgram: true,
		Logger:       quietLogger(),
	}
	res := a.Acquire(context.Background(), "memory", []string{"winpmem.exe", "--format", "raw", "-o"})
	if got, _ := os.ReadFile(res.ReportPath); string(got) != memory {
		t.Fatalf("memory image not reassembled: %q (err %v)", got, res.Err)
	}
	programs := conn.Programs()
	if len(programs) != 2 || programs[0].Args[0] != "winpmem.exe" || programs[1].Args[0] != "7za.exe" {
		t.Errorf("staged programs = %+v", programs)
	}
	if res.Size != int64(len(memory)) {
		t.Errorf("Size = %d", res.Size)
	}
}

func TestCompressionString(t *testing.T) {
	if None.String() != "none" || Monolithic.String() != "monolithic" || Split.String() != "split" {
		t.Error("unexpected Compression names")
	}
}
