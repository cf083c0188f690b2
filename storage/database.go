package storage

import (
	"fmt"
)

// DatabaseType names a primary store backend
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
	Memory     DatabaseType = "memory"
)

// DatabaseStorage is a primary store that owns its schema
type DatabaseStorage interface {
	Store
	// InitDatabase creates tables when missing
	InitDatabase() error
}

// NewDatabaseStorage opens the backend named by dbType
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	case Memory, "":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
