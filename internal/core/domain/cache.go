package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Day truncates t to its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of calendar days from earlier to later.
func DaysBetween(earlier, later time.Time) int {
	return int(Day(later).Sub(Day(earlier)).Hours() / 24)
}

func FormatDate(t time.Time) string {
	return Day(t).Format(dateLayout)
}

func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return t, nil
}

// CacheEntry is the usage ledger record for one evidence document.
type CacheEntry struct {
	Hash          string    `json:"id"`
	Data          string    `json:"data"`
	Link          string    `json:"link"`
	Category      string    `json:"category"`
	LastUsed      time.Time `json:"last_used"`
	TimesUsed     int       `json:"time_used"`
	PositiveVotes int       `json:"positive_vote"`
	NegativeVotes int       `json:"negative_vote"`
}

// VoteSnapshot carries caller-supplied vote counters.
type VoteSnapshot struct {
	Positive int `json:"positive_vote"`
	Negative int `json:"negative_vote"`
}

// CacheCandidate is one upsert input. A nil Votes keeps the stored counters
// on refresh and starts them at zero on insert.
type CacheCandidate struct {
	Hash     string        `json:"id"`
	Data     string        `json:"data"`
	Link     string        `json:"link"`
	Category string        `json:"category"`
	Votes    *VoteSnapshot `json:"votes,omitempty"`
}

func ValidateCacheCandidates(candidates []CacheCandidate) error {
	for i, c := range candidates {
		if strings.TrimSpace(c.Hash) == "" {
			return WrapError(ErrInvalidInput, "validate cache candidates", fmt.Errorf("candidate %d has an empty id", i))
		}
		if c.Votes != nil && (c.Votes.Positive < 0 || c.Votes.Negative < 0) {
			return WrapError(ErrInvalidInput, "validate cache candidates", fmt.Errorf("candidate %s has negative vote counters", c.Hash))
		}
	}
	return nil
}

// ValidateCacheIDs rejects blank identifiers before any lookup.
func ValidateCacheIDs(ids []string) error {
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return WrapError(ErrInvalidInput, "validate cache ids", fmt.Errorf("id at position %d is empty", i))
		}
	}
	return nil
}

type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

func ParseVoteDirection(raw string) (VoteDirection, error) {
	switch VoteDirection(strings.ToLower(strings.TrimSpace(raw))) {
	case VoteUp, "positive", "+1":
		return VoteUp, nil
	case VoteDown, "negative", "-1":
		return VoteDown, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse vote", fmt.Errorf("vote must be %q or %q, got %q", VoteUp, VoteDown, raw))
	}
}

// VoteEvent is the out-of-band feedback action on one cached document.
type VoteEvent struct {
	Hash       string        `json:"id"`
	Direction  VoteDirection `json:"direction"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// UsageEvent records that evidence was surfaced to a user in one turn.
type UsageEvent struct {
	ChatID     string           `json:"chat_id"`
	Candidates []CacheCandidate `json:"candidates"`
	OccurredAt time.Time        `json:"occurred_at"`
}

var CacheTableHeader = []string{"id", "data", "link", "category", "last_used", "time_used", "positive_vote", "negative_vote"}

// CacheTable is the tabular reporting view of the cache.
type CacheTable struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

func NewCacheTable(entries []CacheEntry) CacheTable {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Hash,
			e.Data,
			e.Link,
			e.Category,
			FormatDate(e.LastUsed),
			strconv.Itoa(e.TimesUsed),
			strconv.Itoa(e.PositiveVotes),
			strconv.Itoa(e.NegativeVotes),
		})
	}
	header := make([]string, len(CacheTableHeader))
	copy(header, CacheTableHeader)
	return CacheTable{Header: header, Rows: rows}
}
