package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderPreferredOntologyTerms(t *testing.T) {
	src := Record{"@rid": "#1:1", "name": "graphkb", "sort": 0}
	other := Record{"@rid": "#1:2", "name": "other", "sort": 5}

	tests := []struct {
		name string
		a, b Record
		want int
	}{
		{
			name: "deprecated last",
			a:    Record{"deprecated": true, "source": src},
			b:    Record{"deprecated": false, "source": src},
			want: 1,
		},
		{
			name: "alias last",
			a:    Record{"alias": false, "source": src},
			b:    Record{"alias": true, "source": src},
			want: -1,
		},
		{
			name: "dependent last",
			a:    Record{"dependency": "#9:9", "source": src},
			b:    Record{"source": src},
			want: 1,
		},
		{
			name: "unversioned first",
			a:    Record{"sourceId": "x", "sourceIdVersion": "2", "source": src},
			b:    Record{"sourceId": "x", "source": src},
			want: 1,
		},
		{
			name: "newer version first",
			a:    Record{"sourceId": "x", "sourceIdVersion": "3", "source": src},
			b:    Record{"sourceId": "x", "sourceIdVersion": "2", "source": src},
			want: -1,
		},
		{
			name: "described first",
			a:    Record{"sourceId": "x", "source": src},
			b:    Record{"sourceId": "x", "source": src, "description": "a term"},
			want: 1,
		},
		{
			name: "source rank",
			a:    Record{"sourceId": "x", "source": other},
			b:    Record{"sourceId": "y", "source": src},
			want: 1,
		},
		{
			name: "indistinguishable",
			a:    Record{"sourceId": "x", "source": "#1:1"},
			b:    Record{"sourceId": "x", "source": "#1:1"},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sign(OrderPreferredOntologyTerms(tt.a, tt.b)))
			assert.Equal(t, -tt.want, sign(OrderPreferredOntologyTerms(tt.b, tt.a)))
		})
	}
}

func TestSortRecords(t *testing.T) {
	recs := []Record{
		{"@rid": "#1", "deprecated": true},
		{"@rid": "#2"},
		{"@rid": "#3", "deprecated": true},
		{"@rid": "#4"},
	}
	SortRecords(recs, OrderPreferredOntologyTerms)
	var rids []string
	for _, r := range recs {
		rids = append(rids, r.RID())
	}
	assert.Equal(t, []string{"#2", "#4", "#1", "#3"}, rids)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
