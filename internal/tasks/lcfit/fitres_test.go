package lcfit

import (
	"strings"
	"testing"
)

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable(strings.NewReader(`# header comment
NVAR: 3
VARNAMES: CID zHD FITPROB

SN: 101 0.31 0.92
SN: 102 0.50 0.10
`))
	if err != nil {
		t.Fatalf("ParseTable returned error: %v", err)
	}
	if len(tbl.Rows) != 2 || tbl.Column("fitprob") != 2 || tbl.Rows[1][0] != "102" {
		t.Fatalf("unexpected table %+v", tbl)
	}
	if tbl.Column("missing") != -1 {
		t.Fatalf("expected missing column")
	}
}

func TestParseTableErrors(t *testing.T) {
	if _, err := ParseTable(strings.NewReader("SN: 1 2\n")); err == nil {
		t.Fatalf("expected error without header")
	}
	if _, err := ParseTable(strings.NewReader("VARNAMES: A B\nSN: 1\n")); err == nil {
		t.Fatalf("expected error for short row")
	}
}
