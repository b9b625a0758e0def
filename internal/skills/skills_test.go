package skills

import (
	"context"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
)

const ghSkill = `---
name: github
description: Work with GitHub repos
bins: gh, git
---
Use the gh CLI for all GitHub operations.
`

func TestParse(t *testing.T) {
	sk := Parse("agents/main/skills/github/SKILL.md", ghSkill)
	if sk.Name != "github" {
		t.Fatalf("name = %s", sk.Name)
	}
	if sk.Description != "Work with GitHub repos" {
		t.Fatalf("description = %s", sk.Description)
	}
	if !reflect.DeepEqual(sk.RequiredBins, []string{"gh", "git"}) {
		t.Fatalf("bins = %v", sk.RequiredBins)
	}
	if sk.Body != "Use the gh CLI for all GitHub operations.\n" {
		t.Fatalf("body = %q", sk.Body)
	}
	if !sk.Enabled {
		t.Fatal("not enabled by default")
	}
}

func TestParseNoFrontmatter(t *testing.T) {
	sk := Parse("skills/notes/SKILL.md", "Just a prompt.\n")
	if sk.Name != "notes" {
		t.Fatalf("name = %s", sk.Name)
	}
	if sk.Body != "Just a prompt.\n" {
		t.Fatalf("body = %q", sk.Body)
	}
}

func seed(t *testing.T, store blob.Store, key, content string) {
	t.Helper()
	if err := store.Put(context.Background(), key, []byte(content), "text/markdown", nil); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshAgentShadowsGlobal(t *testing.T) {
	ctx := context.Background()
	store, _ := blob.NewFS(t.TempDir())
	seed(t, store, "skills/github/SKILL.md", "---\nname: github\ndescription: global\n---\nG\n")
	seed(t, store, "agents/main/skills/github/SKILL.md", "---\nname: github\ndescription: agent\n---\nA\n")
	seed(t, store, "skills/notes/SKILL.md", "---\nname: notes\n---\nN\n")

	m := NewManager(store, nil)
	got, err := m.Refresh(ctx, "main", config.Default())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("count = %d: %+v", len(got), got)
	}
	byName := map[string]Skill{}
	for _, sk := range got {
		byName[sk.Name] = sk
	}
	if byName["github"].Description != "agent" || byName["github"].Source != SourceAgent {
		t.Fatalf("agent skill did not shadow global: %+v", byName["github"])
	}
}

func TestConfigOverlayAndRequiredBins(t *testing.T) {
	ctx := context.Background()
	store, _ := blob.NewFS(t.TempDir())
	seed(t, store, "skills/github/SKILL.md", ghSkill)
	seed(t, store, "skills/video/SKILL.md", "---\nname: video\nbins: ffmpeg\n---\nV\n")

	off := false
	cfg := config.Default()
	cfg.Skills.Entries = map[string]config.SkillEntry{
		"video": {Enabled: &off},
	}

	m := NewManager(store, nil)
	if _, err := m.Refresh(ctx, "main", cfg); err != nil {
		t.Fatal(err)
	}

	// Disabled skills contribute no bins.
	bins := m.RequiredBins("main")
	if !reflect.DeepEqual(bins, []string{"gh", "git"}) {
		t.Fatalf("bins = %v", bins)
	}
}

func TestEligible(t *testing.T) {
	ctx := context.Background()
	store, _ := blob.NewFS(t.TempDir())
	seed(t, store, "skills/github/SKILL.md", ghSkill)
	seed(t, store, "skills/always/SKILL.md", "---\nname: always\nalways: true\nbins: missingbin\n---\nA\n")
	seed(t, store, "skills/plain/SKILL.md", "---\nname: plain\n---\nP\n")

	m := NewManager(store, nil)
	if _, err := m.Refresh(ctx, "main", config.Default()); err != nil {
		t.Fatal(err)
	}

	names := func(sks []Skill) []string {
		var out []string
		for _, sk := range sks {
			out = append(out, sk.Name)
		}
		return out
	}

	// No bins known: only always and bin-free skills.
	got := names(m.Eligible("main", nil))
	if !reflect.DeepEqual(got, []string{"always", "plain"}) {
		t.Fatalf("eligible = %v", got)
	}

	// gh+git present: github becomes eligible.
	got = names(m.Eligible("main", map[string]bool{"gh": true, "git": true}))
	if !reflect.DeepEqual(got, []string{"always", "github", "plain"}) {
		t.Fatalf("eligible = %v", got)
	}

	// Partial bins keep it out.
	got = names(m.Eligible("main", map[string]bool{"gh": true}))
	if !reflect.DeepEqual(got, []string{"always", "plain"}) {
		t.Fatalf("eligible = %v", got)
	}
}
