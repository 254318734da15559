package version

import "testing"

func TestPseudoVersion(t *testing.T) {
	cases := []struct {
		name string
		info Info
		want string
	}{
		{"no vcs", Info{}, "v0.0.0-unknown"},
		{"bad time", Info{Revision: "abc", Time: "yesterday"}, "v0.0.0-unknown"},
		{"clean", Info{Revision: "0123456789abcdef", Time: "2024-03-01T09:30:00Z"}, "v0.0.0-20240301093000-0123456789ab"},
		{"dirty", Info{Revision: "abc", Time: "2024-03-01T09:30:00+02:00", Modified: true}, "v0.0.0-20240301073000-abc+dirty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := pseudoVersion(tc.info); got != tc.want {
				t.Fatalf("pseudoVersion = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildVersionWins(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current = %q", got)
	}
	if Read().GoVersion == "" {
		t.Fatal("go version missing")
	}
}
