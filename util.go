// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"fmt"
	"strings"
)

type schemaEntry struct {
	name, typ, sql string
}

// readSchema lists the user objects of schemaName in creation order.
// Internal objects (sqlite_*) and automatic indexes are skipped; they
// come and go with the tables that own them.
func readSchema(conn *Conn, schemaName string) (entries []schemaEntry, err error) {
	stmt, err := conn.Prepare(fmt.Sprintf("SELECT name, type, sql FROM %q.sqlite_schema WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite\\_%%' ESCAPE '\\' ORDER BY rowid", schemaName))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	row, err := stmt.Run()
	for ; row && err == nil; row, err = stmt.Next() {
		var e schemaEntry
		if e.name, err = stmt.ColumnText(0); err != nil {
			return nil, err
		}
		if e.typ, err = stmt.ColumnText(1); err != nil {
			return nil, err
		}
		if e.sql, err = stmt.ColumnText(2); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, err
}

// DropAll deletes all the data from a database.
//
// The schemaName parameter follows the SQLite PRAGMA schema-name conventions:
// https://sqlite.org/pragma.html#syntax
func DropAll(conn *Conn, schemaName string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("sqlite.DropAll: %w", err)
		}
	}()

	if schemaName == "" {
		schemaName = "main"
	}
	entries, err := readSchema(conn, schemaName)
	if err != nil {
		return err
	}

	var indexes, tables, triggers, views []string
	for _, e := range entries {
		switch e.typ {
		case "index":
			indexes = append(indexes, e.name)
		case "table":
			tables = append(tables, e.name)
		case "trigger":
			triggers = append(triggers, e.name)
		case "view":
			views = append(views, e.name)
		default:
			return fmt.Errorf("unknown sqlite schema type %q for %q", e.typ, e.name)
		}
	}

	drop := func(kind string, names []string) error {
		for _, name := range names {
			if err := conn.Exec(fmt.Sprintf("DROP %s %q.%q", kind, schemaName, name)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := drop("INDEX", indexes); err != nil {
		return err
	}
	if err := drop("TRIGGER", triggers); err != nil {
		return err
	}
	if err := drop("VIEW", views); err != nil {
		return err
	}
	return drop("TABLE", tables)
}

// CopyAll copies the contents of one database to another.
//
// Traditionally this is done in sqlite by closing the database and copying
// the file. However it can be useful to do it online: a single exclusive
// transaction can cross multiple databases, and if multiple processes are
// using a file, this lets one replace the database without first
// communicating with the other processes, asking them to close the DB first.
//
// The dstSchemaName and srcSchemaName parameters follow the SQLite PRAGMA
// schema-name conventions: https://sqlite.org/pragma.html#syntax
func CopyAll(conn *Conn, dstSchemaName, srcSchemaName string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("sqlite.CopyAll: %w", err)
		}
	}()
	if dstSchemaName == "" {
		dstSchemaName = "main"
	}
	if srcSchemaName == "" {
		srcSchemaName = "main"
	}
	if dstSchemaName == srcSchemaName {
		return fmt.Errorf("source matches destination: %q", srcSchemaName)
	}
	entries, err := readSchema(conn, srcSchemaName)
	if err != nil {
		return err
	}
	for _, e := range entries {
		// Regardless of the case or whitespace used in the original
		// create statement (or whether or not "if not exists" is used),
		// the SQL text in the sqlite_schema table always reads:
		// 	"CREATE (TABLE|VIEW|INDEX|TRIGGER) name".
		// We take advantage of that here to rewrite the create
		// statement for a different schema.
		var prefix string
		switch e.typ {
		case "index":
			prefix = "CREATE INDEX "
		case "table":
			prefix = "CREATE TABLE "
		case "trigger":
			prefix = "CREATE TRIGGER "
		case "view":
			prefix = "CREATE VIEW "
		default:
			return fmt.Errorf("unknown sqlite schema type %q for %q", e.typ, e.name)
		}
		if strings.HasPrefix(e.sql, "CREATE UNIQUE INDEX ") {
			prefix = "CREATE UNIQUE INDEX "
		}
		create := fmt.Sprintf("%s%q.%s", prefix, dstSchemaName, strings.TrimPrefix(e.sql, prefix))
		if err := conn.Exec(create); err != nil {
			return err
		}
		if e.typ == "table" {
			if err := conn.Exec(fmt.Sprintf("INSERT INTO %q.%q SELECT * FROM %q.%q;", dstSchemaName, e.name, srcSchemaName, e.name)); err != nil {
				return err
			}
		}
	}
	return nil
}
