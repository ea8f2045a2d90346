package seq

import "testing"

func TestNext(t *testing.T) {
	cases := []struct {
		name     string
		existing []string
		prefix   string
		want     string
	}{
		{"empty series starts at 001", nil, "TXN", "TXN001"},
		{"increments max", []string{"TXN001", "TXN002"}, "TXN", "TXN003"},
		{"unordered input", []string{"TXN007", "TXN002", "TXN005"}, "TXN", "TXN008"},
		{"malformed suffix skipped", []string{"TXN001", "TXNabc"}, "TXN", "TXN002"},
		{"only malformed identifiers", []string{"TXNabc", "TXN"}, "TXN", "TXN001"},
		{"other series ignored", []string{"MED009", "TXN003"}, "TXN", "TXN004"},
		{"negative suffix skipped", []string{"TXN-12", "TXN004"}, "TXN", "TXN005"},
		{"widens past padding", []string{"TXN999"}, "TXN", "TXN1000"},
		{"gap does not backfill", []string{"TXN001", "TXN013"}, "TXN", "TXN014"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Next(tc.existing, tc.prefix); got != tc.want {
				t.Fatalf("Next(%v, %q) = %q, want %q", tc.existing, tc.prefix, got, tc.want)
			}
		})
	}
}
