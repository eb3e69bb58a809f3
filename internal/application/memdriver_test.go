package application

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// memDriverName is a database/sql driver that applies the statements a
// restore issues to a fakeStore. Writes are staged per transaction and only
// reach the store on commit.
const memDriverName = "application-fakestore"

var (
	deletePattern = regexp.MustCompile("^DELETE FROM `([A-Za-z0-9_]+)`$")
	insertPattern = regexp.MustCompile("^INSERT INTO `([A-Za-z0-9_]+)` \\(([^)]*)\\) VALUES ")

	memStoresMu sync.Mutex
	memStores   = map[string]*fakeStore{}
)

func init() {
	sql.Register(memDriverName, memDriver{})
}

// openMemDB returns a handle whose transactions write into s
func openMemDB(s *fakeStore) (*sql.DB, error) {
	name := fmt.Sprintf("%p", s)
	memStoresMu.Lock()
	memStores[name] = s
	memStoresMu.Unlock()

	db, err := sql.Open(memDriverName, name)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type memDriver struct{}

func (memDriver) Open(name string) (driver.Conn, error) {
	memStoresMu.Lock()
	defer memStoresMu.Unlock()
	s, ok := memStores[name]
	if !ok {
		return nil, fmt.Errorf("no fake store registered as %s", name)
	}
	return &memConn{store: s}, nil
}

type memConn struct {
	store  *fakeStore
	staged map[string]*fakeTable
}

func (c *memConn) Prepare(query string) (driver.Stmt, error) {
	return &memStmt{conn: c, query: query}, nil
}

func (c *memConn) Close() error { return nil }

func (c *memConn) Begin() (driver.Tx, error) {
	if c.staged != nil {
		return nil, errors.New("transaction already open")
	}
	c.staged = make(map[string]*fakeTable, len(c.store.tables))
	for name, t := range c.store.tables {
		c.staged[name] = &fakeTable{columns: t.columns, rows: append([][]*string(nil), t.rows...)}
	}
	return c, nil
}

func (c *memConn) Commit() error {
	if c.staged == nil {
		return errors.New("no open transaction")
	}
	c.store.tables = c.staged
	c.staged = nil
	return nil
}

func (c *memConn) Rollback() error {
	c.staged = nil
	return nil
}

func (c *memConn) exec(query string, args []driver.Value) (driver.Result, error) {
	if c.staged == nil {
		return nil, errors.New("statement outside a transaction: " + query)
	}

	if strings.HasPrefix(query, "SET FOREIGN_KEY_CHECKS=") {
		return driver.RowsAffected(0), nil
	}

	if m := deletePattern.FindStringSubmatch(query); m != nil {
		t, ok := c.staged[m[1]]
		if !ok {
			return nil, errors.New("no such table " + m[1])
		}
		n := len(t.rows)
		t.rows = nil
		return driver.RowsAffected(n), nil
	}

	if m := insertPattern.FindStringSubmatch(query); m != nil {
		t, ok := c.staged[m[1]]
		if !ok {
			return nil, errors.New("no such table " + m[1])
		}
		columns := strings.Split(strings.ReplaceAll(m[2], "`", ""), ", ")
		if strings.Join(columns, ",") != strings.Join(t.columns, ",") {
			return nil, fmt.Errorf("column list %v does not match %v", columns, t.columns)
		}
		if len(args)%len(columns) != 0 {
			return nil, fmt.Errorf("%d values for %d columns", len(args), len(columns))
		}
		for i := 0; i < len(args); i += len(columns) {
			row := make([]*string, len(columns))
			for j, v := range args[i : i+len(columns)] {
				switch v := v.(type) {
				case nil:
				case string:
					row[j] = strPtr(v)
				case []byte:
					row[j] = strPtr(string(v))
				default:
					row[j] = strPtr(fmt.Sprint(v))
				}
			}
			t.rows = append(t.rows, row)
		}
		return driver.RowsAffected(len(args) / len(columns)), nil
	}

	return nil, errors.New("unsupported statement " + query)
}

type memStmt struct {
	conn  *memConn
	query string
}

func (s *memStmt) Close() error  { return nil }
func (s *memStmt) NumInput() int { return -1 }

func (s *memStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.exec(s.query, args)
}

func (s *memStmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, errors.New("queries are served by the fake store directly")
}
