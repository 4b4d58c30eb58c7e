package main

import (
	"flag"
	"reflect"
	"testing"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name     string
		setup    func() *flag.FlagSet
		args     []string
		expected []string
	}{
		{
			name: "flags already before positional args",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"--json", "acme"},
			expected: []string{"--json", "acme"},
		},
		{
			name: "bool flag after positional arg",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"acme", "2", "--json"},
			expected: []string{"--json", "acme", "2"},
		},
		{
			name: "string flag after positional arg",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.String("server", "", "")
				return fs
			},
			args:     []string{"acme", "--server", "http://127.0.0.1:9000"},
			expected: []string{"--server", "http://127.0.0.1:9000", "acme"},
		},
		{
			name: "flag with equals syntax",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.String("token", "", "")
				return fs
			},
			args:     []string{"acme", "--token=abc"},
			expected: []string{"--token=abc", "acme"},
		},
		{
			name: "double dash keeps the rest positional",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"acme", "1", "5511", "--", "--not-a-flag"},
			expected: []string{"acme", "1", "5511", "--not-a-flag"},
		},
		{
			name: "no flags at all",
			setup: func() *flag.FlagSet {
				return flag.NewFlagSet("test", flag.ContinueOnError)
			},
			args:     []string{"acme", "3"},
			expected: []string{"acme", "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(tt.setup(), tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("normalizeArgs(%v) = %v, want %v", tt.args, got, tt.expected)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Fatalf("firstNonEmpty = %q, want b", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("firstNonEmpty = %q, want empty", got)
	}
}
