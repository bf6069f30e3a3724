package store

import (
	"fmt"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

const sqliteTimestampLayout = "2006-01-02 15:04:05.999999999Z07:00"

// timestamp scans TIMESTAMPTZ from pgx as well as the text SQLite keeps.
type timestamp struct {
	dest *time.Time
}

func (t timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*t.dest = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		*t.dest = time.Time{}
		return nil
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", src)
	}
}

func (t timestamp) parse(value string) error {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			*t.dest = parsed
			return nil
		}
	}
	return fmt.Errorf("scan timestamp: unrecognized format %q", value)
}
