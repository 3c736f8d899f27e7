package db

import (
	"context"
)

// Ping checks the database is reachable. It bypasses the circuit breaker so a
// readiness probe reports the real state of the file.
func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return unavailable(err, "ping")
	}
	return nil
}
