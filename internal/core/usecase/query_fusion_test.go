package usecase

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

func hits(pairs ...any) []domain.Hit {
	out := make([]domain.Hit, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		hash := pairs[i].(string)
		out = append(out, domain.Hit{
			Hash:     hash,
			Score:    pairs[i+1].(float64),
			Text:     "text " + hash,
			Category: "cat " + hash,
			Link:     "https://docs.example/" + hash,
		})
	}
	return out
}

func TestFuseHitsRequiresTwoSources(t *testing.T) {
	fused := FuseHits(
		hits("h1", 0.9, "h2", 0.1),
		hits("h1", 0.8, "h3", 0.5),
		hits("h1", 0.7),
		false,
		domain.LangEN,
	)
	if len(fused) != 1 {
		t.Fatalf("expected only h1, got %d docs: %+v", len(fused), fused)
	}
	if fused[0].Hash != "h1" || fused[0].Score != 0.9 {
		t.Fatalf("expected h1 with score 0.9, got %s %.2f", fused[0].Hash, fused[0].Score)
	}
}

func TestFuseHitsQuorumOnlyDropsPairs(t *testing.T) {
	a := hits("x", 0.9, "y", 0.8)
	b := hits("x", 0.7, "y", 0.95)
	c := hits("x", 0.6)

	full := FuseHits(a, b, c, true, domain.LangEN)
	if len(full) != 1 || full[0].Hash != "x" {
		t.Fatalf("expected only x in quorum-only mode, got %+v", full)
	}

	pairs := FuseHits(a, b, c, false, domain.LangEN)
	if len(pairs) != 2 {
		t.Fatalf("expected x and y, got %+v", pairs)
	}
	if pairs[0].Hash != "y" || pairs[0].Score != 0.95 {
		t.Fatalf("expected y first with its best score, got %s %.2f", pairs[0].Hash, pairs[0].Score)
	}
}

func TestFuseHitsEmptyInputs(t *testing.T) {
	fused := FuseHits(nil, hits("a", 0.5), nil, false, domain.LangEN)
	if fused == nil || len(fused) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", fused)
	}
}

func TestFuseHitsEqualScoresKeepListOrder(t *testing.T) {
	a := hits("b", 0.5, "a", 0.5)
	b := hits("a", 0.5, "b", 0.5)
	fused := FuseHits(a, b, nil, false, domain.LangEN)
	if len(fused) != 2 || fused[0].Hash != "b" || fused[1].Hash != "a" {
		t.Fatalf("expected first-seen order b, a; got %+v", fused)
	}
}

func TestFuseHitsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(20240611))
	universe := []string{"h0", "h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8"}

	for iter := 0; iter < 400; iter++ {
		lists := make([][]domain.Hit, 3)
		presence := map[string]int{}
		best := map[string]float64{}
		next := 0
		for l := range lists {
			for _, idx := range rng.Perm(len(universe))[:rng.Intn(len(universe)+1)] {
				hash := universe[idx]
				// distinct scores keep the ordering check free of ties
				next++
				score := float64(rng.Intn(1000)*100+next) / 1e6
				lists[l] = append(lists[l], domain.Hit{Hash: hash, Score: score})
				presence[hash]++
				if score > best[hash] {
					best[hash] = score
				}
			}
		}

		for _, quorumOnly := range []bool{false, true} {
			need := 2
			if quorumOnly {
				need = 3
			}
			fused := FuseHits(lists[0], lists[1], lists[2], quorumOnly, domain.LangEN)

			emitted := map[string]int{}
			for i, doc := range fused {
				emitted[doc.Hash]++
				if doc.Score != best[doc.Hash] {
					t.Fatalf("iter %d: %s score %.6f, want max %.6f", iter, doc.Hash, doc.Score, best[doc.Hash])
				}
				if i > 0 && fused[i-1].Score < doc.Score {
					t.Fatalf("iter %d: output not sorted by score descending: %+v", iter, fused)
				}
			}
			for _, hash := range universe {
				want := 0
				if presence[hash] >= need {
					want = 1
				}
				if emitted[hash] != want {
					t.Fatalf("iter %d quorumOnly=%v: %s emitted %d times, present in %d lists", iter, quorumOnly, hash, emitted[hash], presence[hash])
				}
			}

			shuffled := make([][]domain.Hit, 3)
			for l := range lists {
				shuffled[l] = append([]domain.Hit(nil), lists[l]...)
				rng.Shuffle(len(shuffled[l]), func(i, j int) { shuffled[l][i], shuffled[l][j] = shuffled[l][j], shuffled[l][i] })
			}
			permuted := FuseHits(shuffled[2], shuffled[0], shuffled[1], quorumOnly, domain.LangEN)
			if hashOrder(permuted) != hashOrder(fused) {
				t.Fatalf("iter %d: order changed under permutation: %s vs %s", iter, hashOrder(permuted), hashOrder(fused))
			}
		}
	}
}

// symmetricDifferenceQuorum is the 2-of-3 derivation built from pairwise
// unions and symmetric differences.
func symmetricDifferenceQuorum(a, b, c map[string]struct{}) map[string]struct{} {
	union := func(x, y map[string]struct{}) map[string]struct{} {
		out := map[string]struct{}{}
		for k := range x {
			out[k] = struct{}{}
		}
		for k := range y {
			out[k] = struct{}{}
		}
		return out
	}
	intersect := func(x, y map[string]struct{}) map[string]struct{} {
		out := map[string]struct{}{}
		for k := range x {
			if _, ok := y[k]; ok {
				out[k] = struct{}{}
			}
		}
		return out
	}
	symDiff := func(x, y map[string]struct{}) map[string]struct{} {
		out := map[string]struct{}{}
		for k := range x {
			if _, ok := y[k]; !ok {
				out[k] = struct{}{}
			}
		}
		for k := range y {
			if _, ok := x[k]; !ok {
				out[k] = struct{}{}
			}
		}
		return out
	}

	full := intersect(intersect(a, b), c)
	i123 := intersect(union(a, b), c)
	i231 := intersect(union(b, c), a)
	i312 := intersect(union(c, a), b)
	twoOfThree := union(symDiff(i123, i231), symDiff(i123, i312))
	return union(twoOfThree, full)
}

func TestAcceptedHashesMatchesSymmetricDifferenceDerivation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randomSet := func() map[string]struct{} {
		out := map[string]struct{}{}
		for i := 0; i < 6; i++ {
			if rng.Intn(2) == 0 {
				out[fmt.Sprintf("h%d", i)] = struct{}{}
			}
		}
		return out
	}
	for iter := 0; iter < 1000; iter++ {
		a, b, c := randomSet(), randomSet(), randomSet()
		got := acceptedHashes(a, b, c, false)
		want := symmetricDifferenceQuorum(a, b, c)
		if len(got) != len(want) {
			t.Fatalf("iter %d: got %v, want %v", iter, got, want)
		}
		for k := range want {
			if _, ok := got[k]; !ok {
				t.Fatalf("iter %d: missing %s; got %v, want %v", iter, k, got, want)
			}
		}
	}
}

func TestRenderEvidenceTemplates(t *testing.T) {
	hit := domain.Hit{
		Hash:          "abc",
		Score:         0.75,
		Text:          "Use <b>VPN</b> & more",
		TextIT:        "Usa la VPN",
		Category:      "network",
		CategoryIT:    "rete",
		Link:          "https://docs.example/vpn",
		RequiredRoles: []string{"admin", "owner"},
	}

	en := renderEvidence(hit, domain.LangEN)
	want := `<doc similarity="0.75"><category>network</category><text>Use &lt;b&gt;VPN&lt;/b&gt; &amp; more</text><required-role>admin,owner</required-role></doc>`
	if en.RenderedText != want {
		t.Fatalf("unexpected en rendering:\n got %s\nwant %s", en.RenderedText, want)
	}
	if en.Link != hit.Link || en.Category != "network" {
		t.Fatalf("expected link and english category to be kept, got %+v", en)
	}

	hit.RequiredRoles = nil
	it := renderEvidence(hit, domain.LangIT)
	if it.RenderedText != "<doc><category>rete</category><text>Usa la VPN</text></doc>" {
		t.Fatalf("unexpected it rendering: %s", it.RenderedText)
	}
}

func TestRenderEvidenceKeepsLineBreaks(t *testing.T) {
	hit := domain.Hit{Hash: "abc", Score: 1, Text: "step 1\nstep 2 \"quoted\"", Category: "howto"}

	got := renderEvidence(hit, domain.LangEN).RenderedText
	want := `<doc similarity="1"><category>howto</category><text>step 1` + "\n" + `step 2 &quot;quoted&quot;</text></doc>`
	if got != want {
		t.Fatalf("unexpected rendering:\n got %q\nwant %q", got, want)
	}
}

func TestCacheCandidatesLeaveVotesUnset(t *testing.T) {
	fused := FuseHits(hits("h1", 0.9), hits("h1", 0.8), nil, false, domain.LangEN)
	candidates := CacheCandidates(fused)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].Votes != nil {
		t.Fatalf("expected nil votes so stored counters are preserved")
	}
	if candidates[0].Data != fused[0].RenderedText || candidates[0].Link != fused[0].Link {
		t.Fatalf("candidate does not mirror evidence: %+v", candidates[0])
	}
}

func hashOrder(docs []domain.EvidenceDocument) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Hash)
	}
	return strings.Join(parts, ",")
}
