package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// HostedStore is a postgres or mysql store of the central node.
type HostedStore struct {
	baseStore
	gdb *gorm.DB
}

func NewHostedStore(gdb *gorm.DB) (*HostedStore, error) {
	if gdb == nil {
		return nil, errors.New("hosted store: nil database")
	}
	var dialect Dialect
	switch name := gdb.Dialector.Name(); name {
	case string(DialectPostgres):
		dialect = DialectPostgres
	case string(DialectMySQL):
		dialect = DialectMySQL
	default:
		return nil, fmt.Errorf("%w: hosted store cannot use %q", ErrUnsupportedDriver, name)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	return &HostedStore{
		baseStore: baseStore{db: sqlDB, q: sqlDB, dialect: dialect},
		gdb:       gdb,
	}, nil
}

func (s *HostedStore) Gorm() *gorm.DB {
	return s.gdb
}
