package review

import "testing"

func TestLineDiff(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
		want   string
	}{
		{name: "identical", before: "a\nb\n", after: "a\nb\n", want: ""},
		{name: "create", before: "", after: "x\ny\n", want: "@@ -0,0 +1,2 @@\n+x\n+y\n"},
		{name: "delete", before: "x\n", after: "", want: "@@ -1,1 +0,0 @@\n-x\n"},
		{name: "modify middle line", before: "a\nb\nc\n", after: "a\nB\nc\n", want: "@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LineDiff(tt.before, tt.after); got != tt.want {
				t.Fatalf("LineDiff() = %q, want %q", got, tt.want)
			}
		})
	}
}
