package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
)

var _ credentials.Storage = (*SQLiteStore)(nil)

// Save upserts value under key, sealing it when an encryption key is set.
func (s *SQLiteStore) Save(
	ctx context.Context,
	key string,
	value string,
) error {
	data := []byte(value)
	sealed := false
	if s.sealer != nil {
		var err error
		if data, err = s.sealer.seal(key, data); err != nil {
			return err
		}
		sealed = true
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, sealed, updated)
		VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT (key) DO UPDATE SET
			value=excluded.value,
			sealed=excluded.sealed,
			updated=excluded.updated;`,
		key,
		data,
		sealed,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("couldn't upsert credentials: %v", err)
	}
	return nil
}

func (s *SQLiteStore) Get(
	ctx context.Context,
	key string,
) (
	string,
	bool,
	error,
) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, sealed
		FROM credentials
		WHERE key=?1;`,
		key,
	)

	var (
		data   []byte
		sealed bool
	)
	if err := row.Scan(&data, &sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("couldn't scan credentials: %v", err)
	}

	if sealed {
		if s.sealer == nil {
			return "", false, ErrSealed
		}
		opened, err := s.sealer.open(key, data)
		if err != nil {
			return "", false, err
		}
		data = opened
	}
	return string(data), true, nil
}

func (s *SQLiteStore) Remove(
	ctx context.Context,
	key string,
) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM credentials
		WHERE key=?1;`,
		key,
	); err != nil {
		return fmt.Errorf("couldn't delete from credentials: %v", err)
	}
	return nil
}

// Keys lists every stored slot, oldest update first.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key
		FROM credentials
		ORDER BY updated, key;`,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query credentials: %v", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("couldn't scan credentials key: %v", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
