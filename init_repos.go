// Package main: repository layer.
package main

import (
	"database/sql"

	"github.com/akinalp/medcall/repository"
)

// Repositories holds every repository instance.
type Repositories struct {
	CallRecord repository.CallRecordRepository
}

// initRepositories builds the repositories over the shared pool.
func initRepositories(conn *sql.DB) *Repositories {
	return &Repositories{
		CallRecord: repository.NewSQLiteCallRecordRepo(conn),
	}
}
