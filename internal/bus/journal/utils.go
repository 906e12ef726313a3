package journal

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// Stats summarises a journal file.
type Stats struct {
	Events   int               `json:"events"`
	ByType   map[EventType]int `json:"by_type"`
	FirstSeq uint64            `json:"first_seq"`
	LastSeq  uint64            `json:"last_seq"`
	// Unix ms of the first and last record
	TimeRange [2]int64 `json:"time_range"`
}

// ReadStats scans path and counts its records. A missing file yields zero stats.
func ReadStats(path string) (*Stats, error) {
	st := &Stats{ByType: make(map[EventType]int)}
	_, err := scan(path, func(e Event) error {
		if st.Events == 0 {
			st.FirstSeq = e.Seq
			st.TimeRange[0] = e.Timestamp
		}
		st.Events++
		st.ByType[e.Type]++
		st.LastSeq = e.Seq
		st.TimeRange[1] = e.Timestamp
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return st, nil
}

// Dump writes every verified record of path to w as indented JSON.
func Dump(path string, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_, err := scan(path, func(e Event) error {
		return enc.Encode(e)
	})
	return err
}
