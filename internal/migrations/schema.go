package migrations

import (
	"fmt"
	"strings"
)

const (
	sqlite = iota
	postgres
	mysql
)

type sqlColumn struct {
	Name                    string
	Type                    sqlDataType
	AutoIncrementPrimaryKey bool
	Unique                  bool
	NotNull                 bool
}

type sqlDataType interface {
	SQL(kind int) string
}

type sqlInteger struct{}
type sqlText struct{}
type sqlVarChar struct{}

func (sqlInteger) SQL(kind int) string {
	switch kind {
	case sqlite, postgres:
		return "INTEGER"
	case mysql:
		return "INT"
	}

	panic("unknown kind")
}

func (sqlText) SQL(_ int) string {
	return "TEXT"
}

func (sqlVarChar) SQL(kind int) string {
	switch kind {
	case sqlite:
		return "TEXT"
	case postgres, mysql:
		return "VARCHAR(255)"
	}

	panic("unknown kind")
}

func (c sqlColumn) SQL(kind int) string {
	var parts []string

	if c.AutoIncrementPrimaryKey {
		switch kind {
		case sqlite:
			parts = append(parts, c.Name, sqlInteger{}.SQL(kind))
		case postgres:
			parts = append(parts, c.Name, "SERIAL")
		case mysql:
			parts = append(parts, c.Name, sqlInteger{}.SQL(kind), "AUTO_INCREMENT")
		}
	} else {
		parts = append(parts, c.Name, c.Type.SQL(kind))
		if c.NotNull {
			parts = append(parts, "NOT NULL")
		}
	}

	return strings.Join(parts, " ")
}

type sqlForeignKey struct {
	Column     string
	References string
}

type sqlTable struct {
	name        string
	columns     []sqlColumn
	foreignKeys []sqlForeignKey
	iteration   string // prefix for constraints
}

func createSQLTable(name string) *sqlTable {
	return &sqlTable{
		name:      name,
		iteration: "prm_v1",
	}
}

func (t *sqlTable) IntegerPrimaryKeyAutoincrementColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlInteger{}, AutoIncrementPrimaryKey: true})
	return t
}

func (t *sqlTable) IntegerNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlInteger{}, NotNull: true})
	return t
}

func (t *sqlTable) IntegerColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlInteger{}})
	return t
}

func (t *sqlTable) VarCharNonNullUniqueColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlVarChar{}, NotNull: true, Unique: true})
	return t
}

func (t *sqlTable) VarCharColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlVarChar{}})
	return t
}

func (t *sqlTable) TextColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlText{}})
	return t
}

func (t *sqlTable) TextNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlText{}, NotNull: true})
	return t
}

func (t *sqlTable) VarCharNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlVarChar{}, NotNull: true})
	return t
}

func (t *sqlTable) ForeignKey(column string, references string) *sqlTable {
	t.foreignKeys = append(t.foreignKeys, sqlForeignKey{
		Column:     column,
		References: references,
	})
	return t
}

func (t *sqlTable) SQL(kind int) string {
	c := make([]string, len(t.columns))
	for i := range t.columns {
		c[i] = t.columns[i].SQL(kind)
	}

	// Constraint names are explicit so later migrations can refer to them on
	// every dialect.
	for i := range t.columns {
		if t.columns[i].AutoIncrementPrimaryKey {
			c = append(c, fmt.Sprintf("CONSTRAINT %[1]s_%[2]s_%[3]s_pkey PRIMARY KEY (%[3]s)", t.iteration, t.name, t.columns[i].Name))
		}
		if t.columns[i].Unique {
			c = append(c, fmt.Sprintf("CONSTRAINT %[1]s_%[2]s_%[3]s_unique UNIQUE (%[3]s)", t.iteration, t.name, t.columns[i].Name))
		}
	}

	for _, fk := range t.foreignKeys {
		// refs look like "table(col)"
		open, closed := strings.Index(fk.References, "("), len(fk.References)-1
		fTbl, fCol := fk.References[:open], fk.References[open+1:closed]
		f := fmt.Sprintf("CONSTRAINT %s_%s_%s_%s_%s_fkey FOREIGN KEY (%s) REFERENCES %s",
			t.iteration,
			t.name, fk.Column, fTbl, fCol,
			fk.Column,
			fk.References,
		)
		c = append(c, f)
	}
	return `CREATE TABLE IF NOT EXISTS ` + t.name + ` (` + strings.Join(c, ", ") + `);`
}
