package fingerprint

import (
	"strings"
	"testing"

	"github.com/scholarr/ingestcore/internal/types"
)

func intPtr(v int) *int { return &v }

func TestPublicationFingerprintDeterministic(t *testing.T) {
	c := types.PublicationCandidate{
		Title:       "Deep Learning for Scholarly Retrieval",
		Year:        intPtr(2019),
		AuthorsText: "J Smith, A Lee",
		VenueText:   "Proceedings of ICML",
	}
	fp1, hash1 := BuildPublicationFingerprint(c)
	fp2, hash2 := BuildPublicationFingerprint(c)
	if fp1 != fp2 {
		t.Fatalf("fingerprint not deterministic: %s vs %s", fp1, fp2)
	}
	if hash1 != hash2 {
		t.Fatalf("canonical title hash not deterministic: %s vs %s", hash1, hash2)
	}
	if fp1 == "" || hash1 == "" {
		t.Fatal("expected non-empty fingerprint and hash")
	}
}

func TestCanonicalTitleHashStableAcrossNoiseVariants(t *testing.T) {
	base := types.PublicationCandidate{
		Title:       "Deep Learning for Scholarly Retrieval",
		Year:        intPtr(2019),
		AuthorsText: "J Smith, A Lee",
		VenueText:   "Proceedings of ICML",
	}
	noisy := types.PublicationCandidate{
		Title:       "Deep Learning for Scholarly Retrieval, 2019",
		Year:        intPtr(2019),
		AuthorsText: "J Smith, A Lee",
		VenueText:   "Proceedings of ICML",
	}
	_, hashBase := BuildPublicationFingerprint(base)
	_, hashNoisy := BuildPublicationFingerprint(noisy)
	if hashBase != hashNoisy {
		t.Fatalf("expected canonical title hash to ignore trailing year noise: %s vs %s", hashBase, hashNoisy)
	}
}

func TestNormalizeTitleStripsPunctuationAndCase(t *testing.T) {
	got := NormalizeTitle("Hello, World! A Study.")
	want := "helloworldastudy"
	if got != want {
		t.Fatalf("NormalizeTitle() = %q, want %q", got, want)
	}
}

func TestFirstAuthorLastName(t *testing.T) {
	got := FirstAuthorLastName("J Smith, A Lee, B Wu")
	if got != "smith" {
		t.Fatalf("FirstAuthorLastName() = %q, want %q", got, "smith")
	}
}

func TestCanonicalTitlePreservesVenueSentencePrefix(t *testing.T) {
	// The venue-sentence tail is stripped without eating the three
	// characters preceding the period.
	got := CanonicalTitleForDedup("Something Title. Journal of Computer Science")
	want := NormalizeTitle("Something Title")
	if got != want {
		t.Fatalf("CanonicalTitleForDedup() = %q, want %q", got, want)
	}
}

func TestFirstVenueWord(t *testing.T) {
	got := FirstVenueWord("Proceedings of ICML 2019")
	if got != "proceedings" {
		t.Fatalf("FirstVenueWord() = %q, want %q", got, "proceedings")
	}
}

func TestNextCstart(t *testing.T) {
	v, ok := NextCstart("Articles 1-20")
	if !ok || v != 20 {
		t.Fatalf("NextCstart() = %d, %v, want 20, true", v, ok)
	}
	_, ok = NextCstart("no numbers here")
	if ok {
		t.Fatal("expected ok=false for range with no numbers")
	}
}

func TestBuildPublicationURL(t *testing.T) {
	got := BuildPublicationURL("/citations?view_op=view_citation&hl=en&user=abc")
	want := "https://scholar.google.com/citations?view_op=view_citation&hl=en&user=abc"
	if got != want {
		t.Fatalf("BuildPublicationURL() = %q, want %q", got, want)
	}
}

func TestInitialPageFingerprintDeterministic(t *testing.T) {
	page := types.ParsedProfilePage{
		State:         types.ParseStateOK,
		ProfileName:   "Jane Doe",
		ArticlesRange: "Articles 1-20",
		Publications: []types.PublicationCandidate{
			{Title: "Paper One", Year: intPtr(2020)},
			{Title: "Paper Two", Year: intPtr(2021)},
		},
	}
	fp1, err := InitialPageFingerprint(page)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fp2, err := InitialPageFingerprint(page)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("initial page fingerprint not deterministic: %s vs %s", fp1, fp2)
	}
}

func TestInitialPageFingerprintRejectsNonOKStates(t *testing.T) {
	page := types.ParsedProfilePage{State: types.ParseStateBlockedOrCaptcha}
	if _, err := InitialPageFingerprint(page); err == nil {
		t.Fatal("expected error for blocked_or_captcha state")
	}
}

func TestDeduperCollapsesFuzzyDuplicates(t *testing.T) {
	d := NewDeduper()
	first := NewCandidate(types.PublicationCandidate{
		Title:       "A Comprehensive Study of Graph Neural Networks",
		Year:        intPtr(2020),
		AuthorsText: "J Smith",
	})
	idx1, added1 := d.Add(first)
	if !added1 || idx1 != 0 {
		t.Fatalf("expected first candidate to be added at index 0, got added=%v idx=%d", added1, idx1)
	}

	nearDup := NewCandidate(types.PublicationCandidate{
		Title:       "A Comprehensive Study of Graph Neural Networks.",
		Year:        intPtr(2020),
		AuthorsText: "J Smith",
	})
	idx2, added2 := d.Add(nearDup)
	if added2 || idx2 != 0 {
		t.Fatalf("expected near-duplicate to collapse into index 0, got added=%v idx=%d", added2, idx2)
	}

	distinct := NewCandidate(types.PublicationCandidate{
		Title:       "Unrelated Research On Quantum Computing Hardware",
		Year:        intPtr(2018),
		AuthorsText: "B Wu",
	})
	idx3, added3 := d.Add(distinct)
	if !added3 || idx3 != 1 {
		t.Fatalf("expected distinct candidate to be added at index 1, got added=%v idx=%d", added3, idx3)
	}

	if len(d.Kept()) != 2 {
		t.Fatalf("expected 2 kept candidates, got %d", len(d.Kept()))
	}
}

func TestDeduperCollapsesByClusterID(t *testing.T) {
	d := NewDeduper()
	a := NewCandidate(types.PublicationCandidate{Title: "Title Variant A", ClusterID: "cfv:U:123456789"})
	b := NewCandidate(types.PublicationCandidate{Title: "Completely Different Title Text", ClusterID: "cfv:U:123456789"})
	_, added1 := d.Add(a)
	_, added2 := d.Add(b)
	if !added1 {
		t.Fatal("expected first candidate to be added")
	}
	if added2 {
		t.Fatal("expected second candidate with same cluster id to collapse")
	}
}

func TestBuildBodyExcerptFlattensTags(t *testing.T) {
	excerpt := BuildBodyExcerpt("<p>hello</p> <span>world</span>", 220)
	if excerpt != "hello world" {
		t.Fatalf("BuildBodyExcerpt() = %q", excerpt)
	}
}

func TestBuildBodyExcerptTruncates(t *testing.T) {
	long := "<div>" + strings.Repeat("lorem ipsum ", 40) + "<unclosed"
	excerpt := BuildBodyExcerpt(long, 220)
	if !strings.HasSuffix(excerpt, "...") {
		t.Fatalf("expected truncation marker, got %q", excerpt)
	}
	if len(excerpt) > 223 {
		t.Fatalf("excerpt length %d exceeds cap", len(excerpt))
	}
	if strings.Contains(excerpt, "<") {
		t.Fatalf("expected tags flattened, got %q", excerpt)
	}
}
