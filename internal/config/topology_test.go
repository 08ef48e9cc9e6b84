package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTopology = `
finalize_emojis = ["👍", " ✔️ ", ""]

[activity]
verbose = 2

[vip]
caller = "Ana"
branch = "matriz"
room = "Consultório 9"
room_short = "C9"
post_call = "dirija-se ao 2º andar"

[aso]
branch = "filial"
emoji = "✍️"

[branches.matriz]
display_name = "Matriz"
rooms = ["r1@g.us", "r2@g.us"]

[branches.filial]
rooms = ["r3@g.us"]

[rooms."r1@g.us"]
name = "Sala 1"
short = "S1"
post_call = "aguarde"
emoji = "🔵"

[rooms."r2@g.us"]
name = "Sala 2"
short = "S2"

[rooms."r3@g.us"]
name = "Recepção"
`

func TestParseTopologyDefaults(t *testing.T) {
	topo, err := ParseTopology(sampleTopology)
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	if topo.StartEmoji != DefaultStartEmoji {
		t.Fatalf("expected default start emoji, got %q", topo.StartEmoji)
	}
	if len(topo.FinalizeEmojis) != 2 || topo.FinalizeEmojis[1] != "✔️" {
		t.Fatalf("unexpected finalize emojis %q", topo.FinalizeEmojis)
	}
	if got := topo.MarkerEmoji("r2@g.us"); got != DefaultMarkerEmoji {
		t.Fatalf("expected default marker, got %q", got)
	}
	if got := topo.MarkerEmoji("r1@g.us"); got != "🔵" {
		t.Fatalf("expected room marker, got %q", got)
	}
}

func TestTopologyLookups(t *testing.T) {
	topo, err := ParseTopology(sampleTopology)
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}

	cases := []struct {
		chat   string
		branch string
		ok     bool
	}{
		{"r1@g.us", "matriz", true},
		{"r2@g.us", "matriz", true},
		{"r3@g.us", "filial", true},
		{"stranger@s.whatsapp.net", "", false},
	}
	for _, tt := range cases {
		branch, ok := topo.BranchForChat(tt.chat)
		if branch != tt.branch || ok != tt.ok {
			t.Fatalf("BranchForChat(%q)=%q,%v want %q,%v", tt.chat, branch, ok, tt.branch, tt.ok)
		}
	}

	if got := topo.CallsTopic("matriz"); got != "Matriz/painel/calls" {
		t.Fatalf("calls topic %q", got)
	}
	if got := topo.MessagesTopic("filial"); got != "filial/painel/messages" {
		t.Fatalf("messages topic falls back to branch id, got %q", got)
	}
	if got := topo.Siblings("matriz"); len(got) != 2 || got[0] != "r1@g.us" {
		t.Fatalf("siblings %v", got)
	}
	if !topo.IsFinalize("👍") || topo.IsFinalize(DefaultStartEmoji) {
		t.Fatalf("finalize lookup wrong")
	}
	if !topo.IsASO("filial", "✍️") || topo.IsASO("matriz", "✍️") {
		t.Fatalf("aso lookup wrong")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "no branches",
			raw:  `finalize_emojis = ["👍"]`,
			want: "at least one branch",
		},
		{
			name: "no finalize emojis",
			raw: `
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: "finalize_emojis",
		},
		{
			name: "room without entry",
			raw: `
finalize_emojis = ["👍"]
[branches.a]
rooms = ["x"]`,
			want: `references room "x"`,
		},
		{
			name: "room in two branches",
			raw: `
finalize_emojis = ["👍"]
[branches.a]
rooms = ["x"]
[branches.b]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: "listed in branches",
		},
		{
			name: "orphan room",
			raw: `
finalize_emojis = ["👍"]
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"
[rooms.y]
name = "Y"`,
			want: `room "y" does not belong`,
		},
		{
			name: "vip unknown branch",
			raw: `
finalize_emojis = ["👍"]
[vip]
caller = "Ana"
branch = "nowhere"
room = "VIP"
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: "vip.branch",
		},
		{
			name: "start emoji finalizes",
			raw: `
finalize_emojis = ["❤️"]
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: "also a finalize emoji",
		},
		{
			name: "marker is a finalize emoji",
			raw: `
finalize_emojis = ["✅"]
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: "collides with a lifecycle emoji",
		},
		{
			name: "default marker signs on aso branch",
			raw: `
finalize_emojis = ["👍"]
[aso]
branch = "a"
emoji = "✅"
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: `room "x" marker "✅" collides with aso.emoji`,
		},
		{
			name: "aso emoji starts tickets",
			raw: `
finalize_emojis = ["👍"]
[aso]
branch = "a"
emoji = "❤️"
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: `aso.emoji "❤️" collides with a lifecycle emoji`,
		},
		{
			name: "unknown key",
			raw: `
finalize_emojis = ["👍"]
colour = "red"
[branches.a]
rooms = ["x"]
[rooms.x]
name = "X"`,
			want: "unknown topology keys: colour",
		},
	}
	for _, tt := range cases {
		_, err := ParseTopology(tt.raw)
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: error %q does not mention %q", tt.name, err, tt.want)
		}
	}
}

func TestLoadTopologyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.toml")
	if err := os.WriteFile(path, []byte(sampleTopology), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	topo, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	if topo.VIP.Caller != "Ana" {
		t.Fatalf("vip caller %q", topo.VIP.Caller)
	}
	if _, err := LoadTopology(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestExampleTopologyLoads(t *testing.T) {
	topo, err := LoadTopology(filepath.Join("..", "..", "config", "topology.example.toml"))
	if err != nil {
		t.Fatalf("example topology: %v", err)
	}
	if got := topo.CallsTopic("filial"); got != "Filial/painel/calls" {
		t.Fatalf("calls topic %q", got)
	}
	if !topo.IsASO("filial", "✍️") {
		t.Fatalf("example aso not wired")
	}
}

func TestASOEmojiAllowedAsMarkerElsewhere(t *testing.T) {
	raw := `
finalize_emojis = ["👍"]
[aso]
branch = "b"
emoji = "✅"
[branches.a]
rooms = ["x"]
[branches.b]
rooms = ["y"]
[rooms.x]
name = "X"
[rooms.y]
name = "Y"
emoji = "🔵"`
	topo, err := ParseTopology(raw)
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	if topo.MarkerEmoji("x") != "✅" || !topo.IsASO("b", "✅") {
		t.Fatalf("unexpected topology %+v", topo)
	}
}
