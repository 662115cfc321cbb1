package config

import (
	"fmt"
	"os"
)

// Returns the MySQL connection string
// An explicit store.mysql_dsn wins, then environment variables, then a local default
func (c *Config) GetDatabaseDSN() string {
	if c.Store.MySQLDSN != "" {
		return c.Store.MySQLDSN
	}
	return GetDatabaseDSN()
}

// Returns the database connection string
// It checks for environment variables first, then falls back to a default
func GetDatabaseDSN() string {
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	database := os.Getenv("DB_NAME")

	if user != "" && password != "" && host != "" && port != "" && database != "" {
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", user, password, host, port, database)
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		return dsn
	}

	return "tracker:tracker@tcp(localhost:3306)/symptoms?parseTime=true"
}
