// Package export writes downloaded samples to interchange formats.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/wanderer-tools/wanderctl/internal/protocol/record"
)

// csvHeader is the fixed column order consumers key on.
var csvHeader = []string{"timestamp", "temperature_c", "vibration_g"}

// WriteCSV renders samples as CSV rows. Each row's timestamp is start
// plus the sample's elapsed offset, RFC 3339. A zero start omits the
// timestamp column's date math and writes the elapsed seconds instead,
// for downloads where the recording start time is unknown.
func WriteCSV(w io.Writer, samples []record.Sample, start time.Time) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}
	for _, s := range samples {
		var ts string
		if start.IsZero() {
			ts = strconv.FormatInt(int64(s.Elapsed/time.Second), 10)
		} else {
			ts = start.Add(s.Elapsed).Format(time.RFC3339)
		}
		row := []string{
			ts,
			strconv.FormatFloat(s.Temperature, 'f', 1, 64),
			strconv.FormatFloat(s.Vibration, 'f', 2, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("csv row %d: %w", s.Index, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
