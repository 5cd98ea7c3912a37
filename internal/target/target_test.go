package target

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/BadgerOps/rcollect/internal/failure"
)

type scriptedPrompter struct {
	answers []string
	secrets []string
	asked   []string
}

func (p *scriptedPrompter) Prompt(label string) (string, error) {
	p.asked = append(p.asked, label)
	if len(p.answers) == 0 {
		return "", errors.New("no more answers")
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *scriptedPrompter) PromptSecret(label string) (string, error) {
	p.asked = append(p.asked, label)
	if len(p.secrets) == 0 {
		return "", errors.New("no more secrets")
	}
	s := p.secrets[0]
	p.secrets = p.secrets[1:]
	return s, nil
}

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"10.0.0.5",
		"",
		"   ",
		`host2 CORP\alice`,
		`host3 bob s3cret`,
		`host4 CORP\carol pass with spaces`,
		"\t",
	}, "\n")

	ids, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	want := []Identity{
		{Address: "10.0.0.5"},
		{Address: "host2", Domain: "CORP", Username: "alice"},
		{Address: "host3", Username: "bob", Password: "s3cret"},
		{Address: "host4", Domain: "CORP", Username: "carol", Password: "pass with spaces"},
	}
	if len(ids) != len(want) {
		t.Fatalf("got %d targets, want %d: %+v", len(ids), len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("target %d = %+v, want %+v", i, ids[i], want[i])
		}
	}
}

func TestParseWhitespaceRuns(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Identity
	}{
		{"tabs", "10.0.0.5\tCORP\\alice\tsecret", Identity{Address: "10.0.0.5", Domain: "CORP", Username: "alice", Password: "secret"}},
		{"double space before user", "10.0.0.5  alice", Identity{Address: "10.0.0.5", Username: "alice"}},
		{"mixed separators", "host1 \t bob \t\t pw", Identity{Address: "host1", Username: "bob", Password: "pw"}},
		{"password keeps inner spaces", "host1\tbob\tpass  with\tgaps ", Identity{Address: "host1", Username: "bob", Password: "pass  with\tgaps"}},
		{"trailing whitespace only", "host1\t\t", Identity{Address: "host1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := Parse(strings.NewReader(tt.line))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if len(ids) != 1 || ids[0] != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.line, ids, tt.want)
			}
		})
	}
}

func TestParseOneTargetPerLine(t *testing.T) {
	lines := []string{"a", "b c", `d e\f g`, "", " ", "h"}
	ids, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(ids) != 4 {
		t.Errorf("expected 4 targets, got %d", len(ids))
	}
}

func TestIdentityHelpers(t *testing.T) {
	id := Identity{Address: "10.0.0.5", Domain: "CORP", Username: "alice"}
	if id.DomainUser() != `CORP\alice` {
		t.Errorf("DomainUser() = %q", id.DomainUser())
	}
	if id.String() != `CORP\alice@10.0.0.5` {
		t.Errorf("String() = %q", id.String())
	}
	if id.HasPassword() {
		t.Error("HasPassword() = true with empty password")
	}
	if (Identity{Address: "h", Username: "bob"}).DomainUser() != "bob" {
		t.Error("bare user expected without a domain")
	}
	for _, addr := range []string{"127.0.0.1", "localhost", "LOCALHOST"} {
		if !(Identity{Address: addr}).IsLocal() {
			t.Errorf("%s should be local", addr)
		}
	}
	if (Identity{Address: "10.0.0.1"}).IsLocal() {
		t.Error("10.0.0.1 is not local")
	}
	if err := (Identity{Address: " "}).Validate(); err == nil {
		t.Error("blank address must not validate")
	}
}

func TestLoadSingleAddressUsesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	ids, err := Load(fs, "10.0.0.9", Defaults{Username: "alice", Domain: "CORP", Password: "pw"}, nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := Identity{Address: "10.0.0.9", Username: "alice", Domain: "CORP", Password: "pw"}
	if len(ids) != 1 || ids[0] != want {
		t.Errorf("Load() = %+v, want %+v", ids, want)
	}
}

func TestLoadFileWithPrompts(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "host1\nhost2 bob pw2\nlocalhost\n"
	if err := afero.WriteFile(fs, "/cases/targets.txt", []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p := &scriptedPrompter{answers: []string{"CORP", "alice"}, secrets: []string{"pw1"}}
	ids, err := Load(fs, "/cases/targets.txt", Defaults{}, p)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(ids))
	}
	if ids[0] != (Identity{Address: "host1", Domain: "CORP", Username: "alice", Password: "pw1"}) {
		t.Errorf("host1 = %+v", ids[0])
	}
	if ids[1] != (Identity{Address: "host2", Username: "bob", Password: "pw2"}) {
		t.Errorf("host2 = %+v", ids[1])
	}
	if ids[2] != (Identity{Address: "localhost"}) {
		t.Errorf("localhost = %+v, want no credentials", ids[2])
	}
	if len(p.asked) != 3 {
		t.Errorf("expected 3 prompts, got %v", p.asked)
	}
}

func TestLoadPromptFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "host1", Defaults{Username: "alice"}, &scriptedPrompter{})
	if !failure.Is(err, failure.CredentialMissing) {
		t.Errorf("expected credential-missing, got %v", err)
	}
}

func TestLoadEmptySpec(t *testing.T) {
	if _, err := Load(afero.NewMemMapFs(), "  ", Defaults{}, nil); !failure.Is(err, failure.ParseFailed) {
		t.Errorf("expected parse-failed, got %v", err)
	}
}
