package vfs

import "testing"

func TestNormalize(t *testing.T) {
	specs := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/dev", "/dev"},
		{"/dev/fd0", "/dev/fd0"},
		{"/dev/./fd0", "/dev/fd0"},
		{"/dev/../ipc", "/ipc"},
		{"/a/b/../../c", "/c"},
		{"/a/./b/./", "/a/b"},
		{"/a//b", "/b"},
		{"/./.", "/"},
	}

	for i, spec := range specs {
		got, err := Normalize(spec.in)
		if err != nil {
			t.Errorf("[spec %d] unexpected error for %q: %v", i, spec.in, err)
			continue
		}
		if got != spec.want {
			t.Errorf("[spec %d] Normalize(%q) = %q; want %q", i, spec.in, got, spec.want)
		}
	}
}

func TestNormalizeRejectsClimbingAboveRoot(t *testing.T) {
	if _, err := Normalize("/../etc"); err != errBadDotDot {
		t.Errorf("expected errBadDotDot, got %v", err)
	}
}

func TestBasenameDirname(t *testing.T) {
	specs := []struct {
		in   string
		base string
		dir  string
	}{
		{"/dev/fd0", "fd0", "/dev"},
		{"/init", "init", "/"},
		{"plain", "plain", "."},
		{"/a/b/c", "c", "/a/b"},
	}

	for i, spec := range specs {
		if got := Basename(spec.in); got != spec.base {
			t.Errorf("[spec %d] Basename(%q) = %q; want %q", i, spec.in, got, spec.base)
		}
		if got := Dirname(spec.in); got != spec.dir {
			t.Errorf("[spec %d] Dirname(%q) = %q; want %q", i, spec.in, got, spec.dir)
		}
	}
}
