package history

import (
	"database/sql"
	"fmt"
	"time"
)

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		rec         Record
		argument    sql.NullString
		serial      sql.NullString
		name        sql.NullString
		mode        sql.NullString
		firmware    sql.NullString
		status      string
		stage       sql.NullString
		errorKind   sql.NullString
		errorMsg    sql.NullString
		startedRaw  string
		finishedRaw sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.CorrelationID,
		&rec.Operation,
		&argument,
		&serial,
		&name,
		&mode,
		&firmware,
		&status,
		&stage,
		&errorKind,
		&errorMsg,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	rec.Argument = argument.String
	rec.DeviceSerial = serial.String
	rec.DeviceName = name.String
	rec.DeviceMode = mode.String
	rec.FirmwareVersion = firmware.String
	rec.Status = Status(status)
	rec.Stage = stage.String
	rec.ErrorKind = errorKind.String
	rec.ErrorMessage = errorMsg.String

	started, err := parseTime(startedRaw)
	if err != nil {
		return nil, fmt.Errorf("record %d started_at: %w", rec.ID, err)
	}
	rec.StartedAt = started
	if finishedRaw.Valid && finishedRaw.String != "" {
		finished, err := parseTime(finishedRaw.String)
		if err != nil {
			return nil, fmt.Errorf("record %d finished_at: %w", rec.ID, err)
		}
		rec.FinishedAt = &finished
	}
	return &rec, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

// Timestamps are stored as fixed-width UTC text so they order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
