package runs

import (
	"database/sql"
	"time"
)

const runColumns = "id, kind, model, dataset, language, output_dir, params_json, status, error_message, samples, steps, best_wer, best_checkpoint, created_at, updated_at, finished_at"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run            Run
		kind           string
		params         sql.NullString
		status         string
		errorMessage   sql.NullString
		bestWER        sql.NullFloat64
		bestCheckpoint sql.NullString
		createdRaw     string
		updatedRaw     string
		finishedRaw    sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&kind,
		&run.Model,
		&run.Dataset,
		&run.Language,
		&run.OutputDir,
		&params,
		&status,
		&errorMessage,
		&run.Samples,
		&run.Steps,
		&bestWER,
		&bestCheckpoint,
		&createdRaw,
		&updatedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}
	run.Kind = Kind(kind)
	run.ParamsJSON = params.String
	run.Status = Status(status)
	run.ErrorMessage = errorMessage.String
	run.BestWER = bestWER.Float64
	run.HasBestWER = bestWER.Valid
	run.BestCheckpoint = bestCheckpoint.String
	run.CreatedAt = parseTime(createdRaw)
	run.UpdatedAt = parseTime(updatedRaw)
	if finishedRaw.Valid {
		run.FinishedAt = parseTime(finishedRaw.String)
	}
	return &run, nil
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

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value float64, valid bool) any {
	if !valid {
		return nil
	}
	return value
}

// timeLayout keeps a fixed fraction width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
