package sharedcache

import "testing"

func TestBuildQueryFingerprint_OrderIndependentIDList(t *testing.T) {
	a := BuildQueryFingerprint(map[string]any{"id_list": []string{"B", " a ", "c"}})
	b := BuildQueryFingerprint(map[string]any{"id_list": []string{"c", "a", "b"}})
	if a != b {
		t.Errorf("fingerprints differ for reordered/cased id_list: %s vs %s", a, b)
	}
}

func TestBuildQueryFingerprint_WhitespaceCollapsed(t *testing.T) {
	a := BuildQueryFingerprint(map[string]any{"search_query": "  hello   world  "})
	b := BuildQueryFingerprint(map[string]any{"search_query": "hello world"})
	if a != b {
		t.Errorf("fingerprints should collapse whitespace: %s vs %s", a, b)
	}
}

func TestBuildQueryFingerprint_DeterministicKeyOrder(t *testing.T) {
	a := BuildQueryFingerprint(map[string]any{"x": 1, "y": "two"})
	b := BuildQueryFingerprint(map[string]any{"y": "two", "x": 1})
	if a != b {
		t.Errorf("fingerprint should not depend on map iteration order: %s vs %s", a, b)
	}
}

func TestBuildQueryFingerprint_DistinctForDistinctParams(t *testing.T) {
	a := BuildQueryFingerprint(map[string]any{"search_query": "foo"})
	b := BuildQueryFingerprint(map[string]any{"search_query": "bar"})
	if a == b {
		t.Error("distinct queries should fingerprint differently")
	}
}
