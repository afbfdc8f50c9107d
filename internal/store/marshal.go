package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// timeLayout is fixed width so lexical comparison in SQL equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// maxErrorLen bounds the error text stored on a failed header.
const maxErrorLen = 512

const (
	kindHeader = "header"
	kindMember = "member"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// truncateError cuts msg to maxErrorLen bytes without splitting a UTF-8 sequence.
func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return strings.TrimSpace(msg[:cut]) + "…"
}
