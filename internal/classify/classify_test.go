package classify

import "testing"

func TestClassifyVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  any
		want Category
	}{
		{name: "nil", raw: nil, want: Info},
		{name: "empty string", raw: "", want: Info},
		{name: "unknown tags", raw: "deploy,backend", want: Info},
		{name: "success list", raw: []string{"rocket"}, want: Success},
		{name: "failure list", raw: []string{"skull"}, want: Failure},
		{name: "comma string", raw: "fire,backend", want: Failure},
		{name: "case and spacing", raw: "  ROCKET , x ", want: Success},
		{name: "success beats failure", raw: "x,white_check_mark", want: Success},
		{name: "order independent", raw: "white_check_mark,x", want: Success},
		{name: "json array form", raw: []any{"green_circle"}, want: Success},
		{name: "red circle", raw: "red_circle", want: Failure},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyRaw(tt.raw); got != tt.want {
				t.Fatalf("ClassifyRaw(%v) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSplitTagsBothFormsNormalizeIdentically(t *testing.T) {
	t.Parallel()
	fromString := SplitTags(" Fire , Deploy ")
	fromList := SplitTags([]string{"fire", "deploy"})
	if len(fromString) != len(fromList) {
		t.Fatalf("length mismatch: %v vs %v", fromString, fromList)
	}
	for i := range fromString {
		if fromString[i] != fromList[i] {
			t.Fatalf("element %d mismatch: %q vs %q", i, fromString[i], fromList[i])
		}
	}
}

func TestClassifyTotal(t *testing.T) {
	t.Parallel()
	// Arbitrary garbage input must not panic and must resolve to info.
	if got := ClassifyRaw(42); got != Info {
		t.Fatalf("ClassifyRaw(42) = %s, want %s", got, Info)
	}
	if got := Classify([]string{"", "   "}); got != Info {
		t.Fatalf("blank tags = %s, want %s", got, Info)
	}
}
