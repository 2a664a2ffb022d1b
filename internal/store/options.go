package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetOption stores value under name, replacing any previous value.
func (s *Store) SetOption(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO options (option_name, option_value)
		VALUES (?, ?)
		ON CONFLICT(option_name) DO UPDATE SET option_value = excluded.option_value
	`, name, value)
	if err != nil {
		return fmt.Errorf("set option %s: %w", name, err)
	}
	return nil
}

// GetOption returns the value stored under name.
// The boolean is false when the option has never been set.
func (s *Store) GetOption(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT option_value FROM options WHERE option_name = ?
	`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get option %s: %w", name, err)
	}
	return value, true, nil
}

// DeleteOption removes name. Deleting a missing option is not an error.
func (s *Store) DeleteOption(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM options WHERE option_name = ?`, name); err != nil {
		return fmt.Errorf("delete option %s: %w", name, err)
	}
	return nil
}
