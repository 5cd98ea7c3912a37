package copier

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/BadgerOps/rcollect/internal/failure"
	"github.com/BadgerOps/rcollect/internal/mount"
	"github.com/BadgerOps/rcollect/internal/runner"
	"github.com/BadgerOps/rcollect/internal/runner/runnertest"
	"github.com/BadgerOps/rcollect/internal/target"
)

func newTestMounts(rec *runnertest.Recorder) *mount.Registry {
	return mount.NewRegistry(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAdminSharePathMapping(t *testing.T) {
	h := &Handler{form: AdminShareForm, address: "host1"}
	if got := h.RemotePath(`C:\Windows\x`); got != `\\host1\C$\Windows\x` {
		t.Errorf("RemotePath() = %q", got)
	}
	if got := h.RemotePath(`D:\`); got != `\\host1\D$\` {
		t.Errorf("RemotePath(D:\\) = %q", got)
	}
}

func TestSecureCopyAndReverseShareMapping(t *testing.T) {
	scp := NewSecureCopy(nil, target.Identity{Address: "10.0.0.7"})
	if got := scp.RemotePath("/var/log/syslog"); got != "10.0.0.7:/var/log/syslog" {
		t.Errorf("scp RemotePath() = %q", got)
	}

	rev := NewReverseShare(nil, "DRIVER01", "rcollect")
	if got := rev.RemotePath(`C:\tools\7za.exe`); got != `\\DRIVER01\rcollect\tools\7za.exe` {
		t.Errorf("reverse RemotePath() = %q", got)
	}
	if _, ok := rev.LocalPath(`\\DRIVER01\rcollect\x`); ok {
		t.Error("reverse share mapping has no inverse")
	}
}

func randomWindowsPath(r *rand.Rand) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 ._-$"
	drive := string(rune('A' + r.Intn(26)))
	var b strings.Builder
	b.WriteString(drive + `:`)
	for i := 0; i < 1+r.Intn(5); i++ {
		b.WriteString(`\`)
		for j := 0; j < 1+r.Intn(12); j++ {
			b.WriteByte(alphabet[r.Intn(len(alphabet))])
		}
	}
	return b.String()
}

func TestPathFormRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	admin := &Handler{form: AdminShareForm, address: "host1"}
	scp := &Handler{form: SecureCopyForm, address: "10.1.2.3"}

	for i := 0; i < 500; i++ {
		p := randomWindowsPath(r)
		n := admin.RemotePath(p)
		back, ok := admin.LocalPath(n)
		if !ok || back != p {
			t.Fatalf("admin round trip: %q -> %q -> %q (ok=%v)", p, n, back, ok)
		}
		if again := admin.RemotePath(back); again != n {
			t.Fatalf("admin forward(inverse(%q)) = %q", n, again)
		}

		posix := "/" + strings.ReplaceAll(p[3:], `\`, "/")
		sn := scp.RemotePath(posix)
		sback, ok := scp.LocalPath(sn)
		if !ok || sback != posix {
			t.Fatalf("scp round trip: %q -> %q -> %q", posix, sn, sback)
		}
	}
}

func TestLocalPathDriveShares(t *testing.T) {
	admin := &Handler{form: AdminShareForm, address: "host1"}
	tests := []struct {
		n    string
		want string
	}{
		{`\\host1\C$\Windows\x`, `C:\Windows\x`},
		{`\\host1\d$\`, `d:\`},
		{`\\host1\E$\a$b\c`, `E:\a$b\c`},
	}
	for _, tt := range tests {
		got, ok := admin.LocalPath(tt.n)
		if !ok || got != tt.want {
			t.Errorf("LocalPath(%q) = %q, %v; want %q", tt.n, got, ok, tt.want)
		}
	}
}

func TestLocalPathRejectsForeignPaths(t *testing.T) {
	admin := &Handler{form: AdminShareForm, address: "host1"}
	for _, n := range []string{
		`\\host2\C$\x`,
		`\\host1\share\x`,
		`C:\x`,
		`\\host1\dir$\x`,
		`\\host1\share\C$\x`,
		`\\host1\1$\x`,
		`\\host1\$\x`,
	} {
		if _, ok := admin.LocalPath(n); ok {
			t.Errorf("LocalPath(%q) should not be invertible", n)
		}
	}
}

func TestAdminShareHandlerCopies(t *testing.T) {
	rec := &runnertest.Recorder{}
	ctx := context.Background()
	prim := &ShareCopy{Runner: rec, Shell: "cmd.exe"}
	id := target.Identity{Address: "host1", Username: "alice", Password: "pw"}

	h, err := NewAdminShare(ctx, prim, id, newTestMounts(rec))
	if err != nil {
		t.Fatalf("NewAdminShare() error: %v", err)
	}

	if err := h.CopyFromRemote(ctx, `C:\Users\Public\a.txt`, `E:\case`); err != nil {
		t.Fatalf("CopyFromRemote() error: %v", err)
	}
	if err := h.CopyToRemote(ctx, `E:\tools\x.exe`, `C:\Users\Public\x.exe`); err != nil {
		t.Fatalf("CopyToRemote() error: %v", err)
	}
	if err := h.DeleteRemoteFile(ctx, `C:\Users\Public\x.exe`); err != nil {
		t.Fatalf("DeleteRemoteFile() error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	calls := rec.Calls()
	want := [][]string{
		{"use", `\\host1\IPC$`, "pw", "/user:alice"},
		{"/c", "copy", "/y", `\\host1\C$\Users\Public\a.txt`, `E:\case`},
		{"/c", "copy", "/y", `E:\tools\x.exe`, `\\host1\C$\Users\Public\x.exe`},
		{"/c", "del", "/f", "/q", `\\host1\C$\Users\Public\x.exe`},
		{"use", `\\host1\IPC$`, "/delete", "/y"},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d: %+v", len(calls), len(want), calls)
	}
	for i := range want {
		if !reflect.DeepEqual(calls[i].Args, want[i]) {
			t.Errorf("call %d args = %v, want %v", i, calls[i].Args, want[i])
		}
	}
}

func TestAdminShareMountFailureReturnsNoHandler(t *testing.T) {
	rec := &runnertest.Recorder{Respond: func(c runnertest.Call) (runner.Result, error) {
		return runner.Result{ExitCode: 2}, nil
	}}
	h, err := NewAdminShare(context.Background(), &ShareCopy{Runner: rec, Shell: "cmd.exe"},
		target.Identity{Address: "host1"}, newTestMounts(rec))
	if h != nil {
		t.Error("expected nil handler on mount failure")
	}
	if !failure.Is(err, failure.MountFailed) {
		t.Errorf("expected mount-failed, got %v", err)
	}
}

func TestReverseShareHandlerConvertsLocalSide(t *testing.T) {
	rec := &runnertest.Recorder{}
	ctx := context.Background()
	h := NewReverseShare(&ShareCopy{Runner: rec, Shell: "cmd.exe"}, "DRIVER01", "rcollect")

	if err := h.CopyToRemote(ctx, `C:\tools\x.exe`, `C:\Users\Public\x.exe`); err != nil {
		t.Fatal(err)
	}
	if err := h.CopyFromRemote(ctx, `C:\Users\Public\out.txt`, `C:\case\out.txt`); err != nil {
		t.Fatal(err)
	}
	calls := rec.Calls()
	if calls[0].Args[3] != `\\DRIVER01\rcollect\tools\x.exe` || calls[0].Args[4] != `C:\Users\Public\x.exe` {
		t.Errorf("push args = %v", calls[0].Args)
	}
	if calls[1].Args[3] != `C:\Users\Public\out.txt` || calls[1].Args[4] != `\\DRIVER01\rcollect\case\out.txt` {
		t.Errorf("pull args = %v", calls[1].Args)
	}
}

func TestSecureCopyRefusesWithoutPassword(t *testing.T) {
	rec := &runnertest.Recorder{}
	c := &SecureCopy{Runner: rec, Shell: "cmd.exe", Pscp: "pscp.exe", Plink: "plink.exe",
		Target: target.Identity{Address: "10.0.0.7", Username: "root"}}

	if err := c.CopyFile(context.Background(), "10.0.0.7:/tmp/a", "/case"); !failure.Is(err, failure.CredentialMissing) {
		t.Errorf("expected credential-missing, got %v", err)
	}
	if err := c.DeleteFile(context.Background(), "10.0.0.7:/tmp/a"); !failure.Is(err, failure.CredentialMissing) {
		t.Errorf("expected credential-missing, got %v", err)
	}
	if len(rec.Calls()) != 0 {
		t.Error("no process may be launched without a password")
	}
}

func TestSecureCopyArgs(t *testing.T) {
	rec := &runnertest.Recorder{}
	c := &SecureCopy{Runner: rec, Shell: "cmd.exe", Pscp: "pscp.exe", Plink: "plink.exe",
		Target:  target.Identity{Address: "10.0.0.7", Username: "root", Password: "pw"},
		KeyFile: "id.ppk"}
	h := NewSecureCopy(c, c.Target)
	ctx := context.Background()

	if err := h.CopyFromRemote(ctx, "/tmp/mem.lime", "case"); err != nil {
		t.Fatal(err)
	}
	if err := h.DeleteRemoteFile(ctx, "/tmp/it's"); err != nil {
		t.Fatal(err)
	}
	calls := rec.Calls()
	wantCopy := []string{"-scp", "-l", "root", "-pw", "pw", "-i", "id.ppk", "10.0.0.7:/tmp/mem.lime", "case"}
	if calls[0].Program != "pscp.exe" || !reflect.DeepEqual(calls[0].Args, wantCopy) {
		t.Errorf("pscp call = %s %v", calls[0].Program, calls[0].Args)
	}
	if !reflect.DeepEqual(calls[0].PipedFrom, []string{"cmd.exe", "/c", "echo", "n"}) {
		t.Errorf("pscp must be fed the host-key answer, got %v", calls[0].PipedFrom)
	}
	last := calls[1].Args[len(calls[1].Args)-1]
	if calls[1].Program != "plink.exe" || last != `'/tmp/it'\''s'` {
		t.Errorf("plink delete = %s %v", calls[1].Program, calls[1].Args)
	}
}

func TestPrimitiveNonZeroExit(t *testing.T) {
	rec := &runnertest.Recorder{Respond: func(c runnertest.Call) (runner.Result, error) {
		return runner.Result{ExitCode: 1, Output: []byte("The system cannot find the file specified.")}, nil
	}}
	err := (&ShareCopy{Runner: rec, Shell: "cmd.exe"}).CopyFile(context.Background(), "a", "b")
	if !failure.Is(err, failure.TransportNonzeroExit) {
		t.Errorf("expected transport-nonzero-exit, got %v", err)
	}
}

func TestPowerShellCopyQuoting(t *testing.T) {
	rec := &runnertest.Recorder{}
	c := &PowerShellCopy{Runner: rec, PowerShell: "powershell.exe"}
	if err := c.CopyFile(context.Background(), `\\h\C$\it's.txt`, `E:\case`); err != nil {
		t.Fatal(err)
	}
	args := rec.Calls()[0].Args
	want := `Copy-Item -LiteralPath '\\h\C$\it''s.txt' -Destination 'E:\case' -Force`
	if args[len(args)-1] != want {
		t.Errorf("script = %q, want %q", args[len(args)-1], want)
	}
}

func TestRemotePathHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"join windows", RemoteJoin(`C:\Users\Public`, "a.txt"), `C:\Users\Public\a.txt`},
		{"join windows trailing", RemoteJoin(`C:\Users\Public\`, `\a.txt`), `C:\Users\Public\a.txt`},
		{"join drive root", RemoteJoin(`C:\`, "x"), `C:\x`},
		{"join posix", RemoteJoin("/tmp", "a", "b"), "/tmp/a/b"},
		{"join posix root", RemoteJoin("/", "x"), "/x"},
		{"base windows", RemoteBase(`C:\Users\Public\a.7z.001`), "a.7z.001"},
		{"base posix", RemoteBase("/s/file.7z.003"), "file.7z.003"},
		{"base bare", RemoteBase("file"), "file"},
		{"dir windows", RemoteDir(`C:\Users\Public\a.txt`), `C:\Users\Public`},
		{"dir drive", RemoteDir(`C:\a.txt`), `C:\`},
		{"dir posix", RemoteDir("/s/file"), "/s"},
		{"dir posix root", RemoteDir("/file"), "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
