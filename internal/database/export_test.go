package database

import "context"

func RawValue(ctx context.Context, s *SQLiteStore, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key=?1;`, key).Scan(&data)
	return data, err
}

func PutRawValue(ctx context.Context, s *SQLiteStore, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, sealed, updated)
		VALUES (?1, ?2, 1, 0);`,
		key, data,
	)
	return err
}
