package database

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/fhirtransfer/outbound/config"
)

func TestNewDataSource_Memory(t *testing.T) {
	mockConfig := &config.Configuration{
		DataSource: config.DataSourceConfig{
			Dns: "memory",
		},
	}

	ds, err := NewDataSource(mockConfig)
	assert.NoError(t, err)
	_, ok := ds.(*MemoryStore)
	assert.True(t, ok)
	assert.NoError(t, ds.Ping(context.Background()))
}

func TestGetDBConnection_Failure(t *testing.T) {
	// Reset the instance and once for testing purposes
	instance = nil
	once = sync.Once{}

	mockConfig := &config.Configuration{
		DataSource: config.DataSourceConfig{
			Dns: "invalid-dns",
		},
	}

	_, err := GetDBConnection(mockConfig)
	assert.Error(t, err)
}

func TestConnectDB_Failure(t *testing.T) {
	db, err := ConnectDB("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestDatasourcePing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	ds := Datasource{Conn: db}
	assert.NoError(t, ds.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
