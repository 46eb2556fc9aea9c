package meta

import "testing"

func TestResolve_LongestPrefixWins(t *testing.T) {
	metas := []string{"/p/a/_dir.meta", "/p/a/b/_dir.meta"}

	got, ok := Resolve("/p/a/b/c.ext", metas)
	if !ok || got != "/p/a/b/_dir.meta" {
		t.Fatalf("Resolve = %q, %v; want /p/a/b/_dir.meta", got, ok)
	}
}

func TestResolve_FallsBackWhenNearestRemoved(t *testing.T) {
	metas := []string{"/p/a/_dir.meta"}

	got, ok := Resolve("/p/a/b/c.ext", metas)
	if !ok || got != "/p/a/_dir.meta" {
		t.Fatalf("Resolve = %q, %v; want /p/a/_dir.meta", got, ok)
	}
}

func TestResolve_NoAncestor(t *testing.T) {
	metas := []string{"/p/x/_dir.meta", "/p/ab/_dir.meta"}

	if got, ok := Resolve("/p/a/c.ext", metas); ok {
		t.Fatalf("Resolve = %q; want none", got)
	}
}

func TestResolve_SiblingPrefixIsNotAncestor(t *testing.T) {
	// "/p/a" is a string prefix of "/p/ab" but not its ancestor.
	metas := []string{"/p/a/_dir.meta"}

	if got, ok := Resolve("/p/ab/c.ext", metas); ok {
		t.Fatalf("Resolve = %q; want none", got)
	}
}

func TestResolve_SameDirectory(t *testing.T) {
	metas := []string{"/p/a/_dir.meta", "/p/_dir.meta"}

	got, ok := Resolve("/p/a/c.ext", metas)
	if !ok || got != "/p/a/_dir.meta" {
		t.Fatalf("Resolve = %q, %v", got, ok)
	}
}

func TestResolve_OrderIndependent(t *testing.T) {
	a := []string{"/r/_dir.meta", "/r/x/_dir.meta", "/r/x/y/_dir.meta"}
	b := []string{"/r/x/y/_dir.meta", "/r/_dir.meta", "/r/x/_dir.meta"}

	ga, _ := Resolve("/r/x/y/z/f.png", a)
	gb, _ := Resolve("/r/x/y/z/f.png", b)
	if ga != gb || ga != "/r/x/y/_dir.meta" {
		t.Fatalf("order dependent result: %q vs %q", ga, gb)
	}
}
