package parser

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCSVStreamsSpecs(t *testing.T) {
	input := strings.Join([]string{
		"S. No.,Product Name,Input Image Urls",
		`1,Widget,"http://a/1.png, http://a/2.png"`,
		"",
		"2,Gadget,http://a/3.png",
	}, "\n")

	p, err := NewCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}

	first, err := p.Next()
	if err != nil {
		t.Fatalf("first row: %v", err)
	}
	if first.Seq != 1 || first.Label != "Widget" {
		t.Fatalf("first row = %+v", first)
	}
	if len(first.SourceRefs) != 2 || first.SourceRefs[1] != "http://a/2.png" {
		t.Fatalf("first refs = %v, want trimmed pair", first.SourceRefs)
	}

	second, err := p.Next()
	if err != nil {
		t.Fatalf("second row: %v", err)
	}
	if second.Seq != 2 || len(second.SourceRefs) != 1 {
		t.Fatalf("second row = %+v", second)
	}

	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("after last row err = %v, want io.EOF", err)
	}
}

func TestCSVHeaderOrderDoesNotMatter(t *testing.T) {
	input := strings.Join([]string{
		"Product Name,Input Image Urls,S. No.",
		"Widget,http://a/1.png,7",
	}, "\n")

	p, err := NewCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	spec, err := p.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if spec.Seq != 7 || spec.Label != "Widget" || len(spec.SourceRefs) != 1 {
		t.Fatalf("spec = %+v", spec)
	}
}

func TestCSVRejectsMissingColumn(t *testing.T) {
	input := "S. No.,Product Name\n1,Widget\n"
	if _, err := NewCSV(strings.NewReader(input)); err == nil {
		t.Fatal("expected missing column error")
	}
}

func TestCSVRejectsEmptyInput(t *testing.T) {
	if _, err := NewCSV(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestCSVStrictRowPolicy(t *testing.T) {
	cases := []struct {
		name string
		row  string
	}{
		{"missing label", `1,,http://a/1.png`},
		{"missing refs", `1,Widget,`},
		{"bad serial", `x,Widget,http://a/1.png`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := "S. No.,Product Name,Input Image Urls\n" + tc.row + "\n"
			p, err := NewCSV(strings.NewReader(input))
			if err != nil {
				t.Fatalf("new parser: %v", err)
			}
			_, err = p.Next()
			var rowErr *RowError
			if !errors.As(err, &rowErr) {
				t.Fatalf("err = %v, want *RowError", err)
			}
			if rowErr.Line != 2 {
				t.Fatalf("row error line = %d, want 2", rowErr.Line)
			}
		})
	}
}

func TestSplitRefs(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"http://a/1.png", 1},
		{" http://a/1.png ,http://a/2.png", 2},
		{"http://a/1.png,,  ,http://a/1.png", 2},
		{"   ", 0},
	}

	for _, tc := range cases {
		if got := SplitRefs(tc.raw); len(got) != tc.want {
			t.Fatalf("SplitRefs(%q) = %v, want %d refs", tc.raw, got, tc.want)
		}
	}
}

func TestSplitRefsPreservesOrderAndDuplicates(t *testing.T) {
	refs := SplitRefs("http://a/2.png, http://a/1.png, http://a/2.png")
	want := []string{"http://a/2.png", "http://a/1.png", "http://a/2.png"}
	if len(refs) != len(want) {
		t.Fatalf("refs = %v", refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("refs[%d] = %q, want %q", i, refs[i], want[i])
		}
	}
}
