package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"annihilator/internal/job"
	"annihilator/internal/progress"
)

const recordColumns = "id, filename, stage, message, stems_json, started_at, updated_at"

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*job.Record, error) {
	var (
		id         string
		filename   string
		stage      string
		message    sql.NullString
		stems      sql.NullString
		startedRaw string
		updatedRaw string
	)
	if err := scanner.Scan(&id, &filename, &stage, &message, &stems, &startedRaw, &updatedRaw); err != nil {
		return nil, err
	}

	rec := &job.Record{
		ID:        id,
		Filename:  filename,
		Stage:     progress.Stage(stage),
		Message:   message.String,
		StartedAt: parseTime(startedRaw),
		UpdatedAt: parseTime(updatedRaw),
	}
	if stems.Valid && stems.String != "" {
		if err := json.Unmarshal([]byte(stems.String), &rec.Stems); err != nil {
			return nil, fmt.Errorf("decode stems for %s: %w", id, err)
		}
	}
	return rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
