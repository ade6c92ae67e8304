// Package pagination encodes keyset cursors for job and item listings.
// Cursors carry the sort key of the last row seen plus its ULID as a
// tie-break, so traversal is stable under concurrent inserts.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// JobCursor encodes a creation timestamp + ULID for the newest-first job
// listing.
type JobCursor struct {
	CreatedAt time.Time
	ULID      string
}

// EncodeJobCursor encodes the cursor as base64(ts_unix_nano:ULID).
func EncodeJobCursor(createdAt time.Time, ulid string) string {
	value := fmt.Sprintf("%d:%s", createdAt.UTC().UnixNano(), strings.ToUpper(strings.TrimSpace(ulid)))
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// DecodeJobCursor decodes base64(ts_unix_nano:ULID) into a JobCursor.
func DecodeJobCursor(cursor string) (JobCursor, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return JobCursor{}, ErrInvalidCursor
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return JobCursor{}, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return JobCursor{}, ErrInvalidCursor
	}
	unixNano, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return JobCursor{}, ErrInvalidCursor
	}
	if strings.TrimSpace(parts[1]) == "" {
		return JobCursor{}, ErrInvalidCursor
	}
	return JobCursor{CreatedAt: time.Unix(0, unixNano).UTC(), ULID: strings.ToUpper(strings.TrimSpace(parts[1]))}, nil
}

// ItemCursor encodes a row index + ULID for the row-order item listing.
type ItemCursor struct {
	RowIndex int
	ULID     string
}

// EncodeItemCursor encodes the cursor as base64(row_index:ULID).
func EncodeItemCursor(rowIndex int, ulid string) string {
	value := fmt.Sprintf("%d:%s", rowIndex, strings.ToUpper(strings.TrimSpace(ulid)))
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// DecodeItemCursor decodes base64(row_index:ULID) into an ItemCursor.
func DecodeItemCursor(cursor string) (ItemCursor, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return ItemCursor{}, ErrInvalidCursor
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return ItemCursor{}, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return ItemCursor{}, ErrInvalidCursor
	}
	rowIndex, err := strconv.Atoi(parts[0])
	if err != nil || rowIndex < 0 {
		return ItemCursor{}, ErrInvalidCursor
	}
	if strings.TrimSpace(parts[1]) == "" {
		return ItemCursor{}, ErrInvalidCursor
	}
	return ItemCursor{RowIndex: rowIndex, ULID: strings.ToUpper(strings.TrimSpace(parts[1]))}, nil
}
