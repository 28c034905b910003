package main

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// MySQLChecker validates the MySQL connection, permissions, and monitored
// tables at startup
type MySQLChecker struct {
	db       *sql.DB
	database string
	tables   []string
	logger   *logrus.Logger
}

// NewMySQLChecker creates a new MySQL checker over an open connection
func NewMySQLChecker(db *sql.DB, database string, tables []string, logger *logrus.Logger) *MySQLChecker {
	return &MySQLChecker{
		db:       db,
		database: database,
		tables:   tables,
		logger:   logger,
	}
}

// CheckConnectionAndPermissions verifies MySQL connection, required
// permissions, binlog settings, and that the monitored tables exist
func (c *MySQLChecker) CheckConnectionAndPermissions() error {
	// Test connection with ping
	if err := c.db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}

	c.logger.Info("Successfully connected to MySQL server")

	// Check required permissions
	requiredPrivs := []string{
		"REPLICATION SLAVE",
		"REPLICATION CLIENT",
		"SELECT",
	}

	// Get current user grants (SHOW GRANTS can return multiple rows)
	var allGrants strings.Builder
	rows, err := c.db.Query("SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// Try alternative query for MySQL 5.6
		rows, err = c.db.Query("SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		if allGrants.Len() > 0 {
			allGrants.WriteString("; ")
		}
		allGrants.WriteString(grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	grantsStr := allGrants.String()
	grantsUpper := strings.ToUpper(grantsStr)
	missingPrivs := []string{}

	for _, priv := range requiredPrivs {
		if !strings.Contains(grantsUpper, priv) && !strings.Contains(grantsUpper, "ALL PRIVILEGES") {
			missingPrivs = append(missingPrivs, priv)
		}
	}

	if len(missingPrivs) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missingPrivs, ", "), grantsStr)
	}

	c.logger.Info("All required permissions verified")

	// Check if binlog is enabled
	var logBin string
	err = c.db.QueryRow("SHOW VARIABLES LIKE 'log_bin'").Scan(&logBin, &logBin)
	if err != nil {
		// Try alternative query
		var value string
		err = c.db.QueryRow("SELECT @@log_bin").Scan(&value)
		if err != nil {
			c.logger.Warn("Could not verify binlog status")
		} else {
			if value == "0" || value == "OFF" {
				return fmt.Errorf("binary logging (log_bin) is not enabled. Enable it in MySQL configuration")
			}
			c.logger.Info("Binary logging is enabled")
		}
	} else {
		if logBin != "ON" && logBin != "1" {
			return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
		}
		c.logger.Info("Binary logging is enabled")
	}

	// Check binlog format (should be ROW for row-level change detection)
	var binlogFormat string
	err = c.db.QueryRow("SHOW VARIABLES LIKE 'binlog_format'").Scan(&binlogFormat, &binlogFormat)
	if err != nil {
		// Try alternative query
		var value string
		err = c.db.QueryRow("SELECT @@binlog_format").Scan(&value)
		if err == nil {
			binlogFormat = value
		}
	}

	if binlogFormat != "" && binlogFormat != "ROW" {
		c.logger.Warnf("binlog_format is set to '%s', but ROW format is required for row-level change detection", binlogFormat)
	} else if binlogFormat == "ROW" {
		c.logger.Info("binlog_format is set to ROW")
	}

	// Verify each monitored table exists
	for _, table := range c.tables {
		var count int
		err := c.db.QueryRow(`
			SELECT COUNT(*)
			FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		`, c.database, table).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check table %s.%s: %w", c.database, table, err)
		}
		if count == 0 {
			return fmt.Errorf("monitored table %s.%s does not exist", c.database, table)
		}
	}
	c.logger.Infof("All %d monitored tables exist in %s", len(c.tables), c.database)

	return nil
}
