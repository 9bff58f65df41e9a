package config

import (
	"reflect"
	"testing"
)

func TestExpandBraces(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"plainhost", []string{"plainhost"}},
		{"web{1,2}", []string{"web1", "web2"}},
		{"web{1,2}.example.com", []string{"web1.example.com", "web2.example.com"}},
		{"{a,b}{1,2}", []string{"a1", "a2", "b1", "b2"}},
		{"db{prod{1,2},dev}", []string{"dbprod1", "dbprod2", "dbdev"}},
		{"odd{unclosed", []string{"odd{unclosed"}},
		{"empty{}", []string{"empty"}},
	}
	for _, c := range cases {
		got := ExpandBraces(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ExpandBraces(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLoad_ServerMode(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{"-l", "-d", dir, "-r", `\.log$`, "-z", "-c"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Server {
		t.Error("server mode not set")
	}
	if cfg.Port != 4096 {
		t.Errorf("Port = %d, want default 4096", cfg.Port)
	}
	if !cfg.IncludeRE.MatchString("a.log") || cfg.IncludeRE.MatchString("a.txt") {
		t.Error("include regex not honored")
	}
	if !cfg.Gzip || !cfg.Checksums {
		t.Error("-z / -c not set")
	}
}

func TestLoad_ClientMode(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{"-d", dir, "-P", "5000", "host{1,2}"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"host1", "host2"}
	if !reflect.DeepEqual(cfg.Sources, want) {
		t.Errorf("Sources = %v, want %v", cfg.Sources, want)
	}
	if cfg.Port != 5000 {
		t.Errorf("Port = %d, want 5000", cfg.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := [][]string{
		{"-l"},                           // no directory
		{"-d", dir},                      // client without hosts
		{"-l", "-d", dir, "stray-host"},  // server with hosts
		{"-l", "-d", dir, "-r", "(bad"},  // invalid regex
		{"-d", dir + "/missing", "host"}, // nonexistent directory
	}
	for _, args := range cases {
		if _, err := Load(args); err == nil {
			t.Errorf("Load(%v) succeeded, want error", args)
		}
	}
}
