package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

// CSVReader materializes items from a local CSV file referenced by the
// job's source URI. The first row is the header; each following row becomes
// one item with the header-keyed cells as its payload. A "title" column, if
// present, becomes the item title.
type CSVReader struct{}

func (CSVReader) ProduceItems(_ context.Context, job *jobs.BulkJob) ([]jobs.ItemSeed, error) {
	if job.Source == nil || job.Source.URI == "" {
		return nil, fmt.Errorf("%w: csv source has no uri", ErrUnavailable)
	}

	f, err := os.Open(strings.TrimPrefix(job.Source.URI, "file://"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	return readCSV(f)
}

func readCSV(r io.Reader) ([]jobs.ItemSeed, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.ToLower(header[i]))
	}

	var seeds []jobs.ItemSeed
	for row := 0; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row, err)
		}

		cells := make(map[string]string, len(header))
		for i, value := range record {
			if i >= len(header) {
				break
			}
			cells[header[i]] = strings.TrimSpace(value)
		}

		payload, err := json.Marshal(cells)
		if err != nil {
			return nil, fmt.Errorf("encode csv row %d: %w", row, err)
		}

		seeds = append(seeds, jobs.ItemSeed{
			RowIndex: row,
			Title:    cells["title"],
			Payload:  payload,
		})
	}
	return seeds, nil
}
