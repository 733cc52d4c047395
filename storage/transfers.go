package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transfer direction values.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer status values.
const (
	StatusStarted  = "started"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Transfer is one journaled file transfer.
type Transfer struct {
	TransferID      string
	PeerFingerprint string
	PeerAlias       string
	Direction       string
	Filename        string
	Filesize        int64
	Status          string
	Error           string
	StartedAt       int64
	FinishedAt      *int64
}

// RecordTransfer inserts a new transfer row in the started state.
func (s *Store) RecordTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerFingerprint == "" {
		return errors.New("peer_fingerprint is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = StatusStarted
	}
	if err := validateStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			peer_fingerprint,
			peer_alias,
			direction,
			filename,
			filesize,
			status,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.PeerFingerprint,
		transfer.PeerAlias,
		transfer.Direction,
		transfer.Filename,
		transfer.Filesize,
		transfer.Status,
		transfer.Error,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// FinishTransfer marks a transfer complete or failed and records the cause.
func (s *Store) FinishTransfer(transferID, status, cause string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if status != StatusComplete && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	result, err := s.db.Exec(
		`UPDATE transfers SET status = ?, error = ?, finished_at = ? WHERE transfer_id = ?`,
		status, cause, nowUnixMilli(), transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", transferID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer returns one transfer by ID.
func (s *Store) GetTransfer(transferID string) (Transfer, error) {
	row := s.db.QueryRow(
		`SELECT transfer_id, peer_fingerprint, peer_alias, direction, filename,
		        filesize, status, error, started_at, finished_at
		 FROM transfers WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns recent transfers, newest first.
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT transfer_id, peer_fingerprint, peer_alias, direction, filename,
		        filesize, status, error, started_at, finished_at
		 FROM transfers
		 ORDER BY started_at DESC, transfer_id
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (Transfer, error) {
	var transfer Transfer
	var finishedAt sql.NullInt64

	err := row.Scan(
		&transfer.TransferID,
		&transfer.PeerFingerprint,
		&transfer.PeerAlias,
		&transfer.Direction,
		&transfer.Filename,
		&transfer.Filesize,
		&transfer.Status,
		&transfer.Error,
		&transfer.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return Transfer{}, err
	}

	if finishedAt.Valid {
		transfer.FinishedAt = &finishedAt.Int64
	}
	return transfer, nil
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case StatusStarted, StatusComplete, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid status %q", status)
	}
}

func nullInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
