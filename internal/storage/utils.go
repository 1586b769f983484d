package storage

import "github.com/pkg/errors"

// InitStore opens the Postgres store used for workflows and the journal.
func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	return store, nil
}
