package collector

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewFilterCriteria(t *testing.T) {
	cases := []struct {
		name             string
		cat, reg, date   string
		wantCat, wantReg string
		wantDate         string
		wantErr          bool
	}{
		{"all wildcard", "*", "*", "*", "*", "*", "*", false},
		{"empty defaults to wildcard", "", "", "", "*", "*", "*", false},
		{"quoted values", `"tech"`, `"uk"`, `"*"`, "tech", "uk", "*", false},
		{"date padded", "pol", "eu", "1/2/2024", "pol", "eu", "01/02/2024", false},
		{"date already padded", "art", "w", "31/12/2023", "art", "w", "31/12/2023", false},
		{"bad category", "sport", "*", "*", "", "", "", true},
		{"bad region", "*", "us", "*", "", "", "", true},
		{"iso date rejected", "*", "*", "2024-01-01", "", "", "", true},
		{"impossible date", "*", "*", "31/02/2024", "", "", "", true},
		{"month out of range", "*", "*", "01/13/2024", "", "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewFilterCriteria(tc.cat, tc.reg, tc.date)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidFilter)
				assert.False(t, f.Valid())
				return
			}
			require.NoError(t, err)
			assert.True(t, f.Valid())
			assert.Equal(t, tc.wantCat, f.Category())
			assert.Equal(t, tc.wantReg, f.Region())
			assert.Equal(t, tc.wantDate, f.Date())
		})
	}
}

func TestFilterQueryAlwaysCarriesAllParams(t *testing.T) {
	f, err := NewFilterCriteria("tech", "", "")
	require.NoError(t, err)

	q := f.Query()
	assert.Equal(t, "tech", q.Get("story_cat"))
	assert.Equal(t, "*", q.Get("story_region"))
	assert.Equal(t, "*", q.Get("story_date"))
	assert.False(t, f.IsWildcard())
	assert.True(t, AnyFilter().IsWildcard())
}

func TestZeroFilterIsInvalid(t *testing.T) {
	var f FilterCriteria
	assert.False(t, f.Valid())
}

func TestNonDateStringsRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Filter(func(s string) bool {
			c := cleanArg(s)
			if c == Wildcard {
				return false
			}
			_, err := time.Parse(DateLayout, c)
			return err != nil
		}).Draw(t, "date")

		_, err := NewFilterCriteria("*", "*", s)
		if err == nil {
			t.Fatalf("date %q accepted", s)
		}
	})
}

func TestValidDatesAccepted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		day := rapid.IntRange(0, 365*50).Draw(t, "offset")
		d := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)

		f, err := NewFilterCriteria("*", "*", d.Format("2/1/2006"))
		if err != nil {
			t.Fatalf("valid date %s rejected: %v", d, err)
		}
		if f.Date() != d.Format("02/01/2006") {
			t.Fatalf("date = %q, want %q", f.Date(), d.Format("02/01/2006"))
		}
	})
}

func TestStoryDraftValidate(t *testing.T) {
	ok := StoryDraft{Headline: "H", Category: "tech", Region: "uk", Details: "D"}
	require.NoError(t, ok.Validate())

	long := ok
	long.Headline = strings.Repeat("x", HeadlineMaxLen+1)
	assert.Error(t, long.Validate())

	details := ok
	details.Details = strings.Repeat("y", DetailsMaxLen+1)
	assert.Error(t, details.Validate())

	wild := ok
	wild.Category = "*"
	assert.Error(t, wild.Validate())

	missing := ok
	missing.Region = ""
	assert.Error(t, missing.Validate())
}
