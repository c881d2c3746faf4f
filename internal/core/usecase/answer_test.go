package usecase

import (
	"strings"
	"testing"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

func TestExtractAnswer(t *testing.T) {
	cases := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{name: "plain", reply: " hello \n", want: "hello"},
		{name: "final answer", reply: "<thinking>x</thinking><final-answer>\n ok \n</final-answer>", want: "ok"},
		{name: "first block wins", reply: "<final-answer>one</final-answer><final-answer>two</final-answer>", want: "one"},
		{name: "multiline", reply: "<final-answer>a\nb</final-answer>", want: "a\nb"},
		{name: "missing", reply: "<thinking>x</thinking>", wantErr: true},
		{name: "empty", reply: "<final-answer>  </final-answer>", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractAnswer(tc.reply)
			if tc.wantErr {
				if !domain.IsKind(err, domain.ErrResponseFormat) {
					t.Fatalf("expected ErrResponseFormat, got %q err=%v", got, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("extractAnswer() = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestMostUsefulLink(t *testing.T) {
	evidence := domain.EvidenceMap{"h1": {Hash: "h1", Link: "https://a"}}
	if got := mostUsefulLink("<most-usefull-doc> h1 </most-usefull-doc>", evidence); got != "https://a" {
		t.Fatalf("unexpected link %q", got)
	}
	if got := mostUsefulLink("<most-useful-doc>h1</most-useful-doc>", evidence); got != "https://a" {
		t.Fatalf("unexpected link for corrected tag %q", got)
	}
	if got := mostUsefulLink("<most-usefull-doc>zz</most-usefull-doc>", evidence); got != "" {
		t.Fatalf("expected empty link for unknown hash, got %q", got)
	}
}

func TestBuildUserPromptOrdersDocuments(t *testing.T) {
	evidence := domain.EvidenceMap{
		"b": {Hash: "b", Score: 0.5, RenderedText: "<doc>b</doc>"},
		"a": {Hash: "a", Score: 0.5, RenderedText: "<doc>a</doc>"},
		"c": {Hash: "c", Score: 0.9, RenderedText: "<doc>c</doc>"},
	}
	got := buildUserPrompt(evidence, "why?")
	if !strings.HasPrefix(got, "\nDocuments: <documents>") || !strings.HasSuffix(got, "</documents>\nQuestion: why?\n") {
		t.Fatalf("unexpected framing %q", got)
	}
	ic, ia, ib := strings.Index(got, `id="c"`), strings.Index(got, `id="a"`), strings.Index(got, `id="b"`)
	if !(ic < ia && ia < ib) {
		t.Fatalf("expected order c, a, b in %q", got)
	}
	if empty := buildUserPrompt(domain.EvidenceMap{}, "q"); !strings.Contains(empty, "<documents></documents>") {
		t.Fatalf("unexpected empty block %q", empty)
	}
}
