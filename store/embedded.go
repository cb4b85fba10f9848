package store

import (
	"errors"

	"gorm.io/gorm"
)

// EmbeddedStore is the single-file sqlite store of a desktop node.
type EmbeddedStore struct {
	baseStore
	gdb *gorm.DB
}

func NewEmbeddedStore(gdb *gorm.DB) (*EmbeddedStore, error) {
	if gdb == nil {
		return nil, errors.New("embedded store: nil database")
	}
	if name := gdb.Dialector.Name(); name != string(DialectSQLite) {
		return nil, errors.New("embedded store: expected sqlite connection, got " + name)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	return &EmbeddedStore{
		baseStore: baseStore{db: sqlDB, q: sqlDB, dialect: DialectSQLite},
		gdb:       gdb,
	}, nil
}

func (s *EmbeddedStore) Gorm() *gorm.DB {
	return s.gdb
}
