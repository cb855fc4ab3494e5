package agent

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"
)

// Catalog is the store-facing SQL database the generator is allowed to
// query: menu, promotions, stores and orders. Statements go through a
// guard that permits SELECT and INSERT everywhere but UPDATE only on
// orders, and never DELETE or DDL.
type Catalog struct {
	db *sql.DB
}

func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog migration: %w", err)
	}
	return c, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS menu (
			menu_id INTEGER PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			menu_name TEXT NOT NULL,
			price REAL NOT NULL,
			category TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS promotions (
			id INTEGER PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			promo_code TEXT NOT NULL,
			description TEXT NOT NULL,
			start_date TEXT,
			end_date TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS stores (
			store_id INTEGER PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			store_name TEXT NOT NULL,
			status TEXT NOT NULL,
			location TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id INTEGER PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			customer_id TEXT NOT NULL DEFAULT '',
			menu_name TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price REAL NOT NULL,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range ddl {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return c.seed()
}

// seed inserts the starter data once, so a fresh deployment can answer
// menu questions out of the box.
func (c *Catalog) seed() error {
	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM menu").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	menu := [][2]interface{}{
		{"ข้าวผัดกะเพราไก่", 50.00},
		{"ผัดซีอิ๊วหมู", 55.00},
		{"ต้มยำกุ้ง", 80.00},
		{"แกงเขียวหวานเนื้อ", 75.00},
		{"ชาเย็น", 25.00},
		{"กาแฟ", 30.00},
	}
	for _, m := range menu {
		if _, err := c.db.Exec("INSERT INTO menu (menu_name, price) VALUES (?, ?)", m[0], m[1]); err != nil {
			return err
		}
	}

	promos := [][2]string{
		{"WELCOME10", "ลด 10% สำหรับลูกค้าใหม่"},
		{"BUY3GET1", "ซื้อ 3 จานฟรี 1 จาน"},
	}
	for _, p := range promos {
		if _, err := c.db.Exec("INSERT INTO promotions (promo_code, description) VALUES (?, ?)", p[0], p[1]); err != nil {
			return err
		}
	}

	stores := [][3]string{
		{"สาขาพระราม 9", "Open", "อาคารฟอร์จูนทาวน์ ชั้น 2"},
		{"สาขาสุขุมวิท 21", "Closed", "อาคาร GMM Grammy Place"},
		{"สาขาพญาไท", "Open", "อาคาร CP Tower"},
	}
	for _, s := range stores {
		if _, err := c.db.Exec("INSERT INTO stores (store_name, status, location) VALUES (?, ?, ?)", s[0], s[1], s[2]); err != nil {
			return err
		}
	}
	return nil
}

var updateOrdersRe = regexp.MustCompile(`(?i)^\s*update\s+orders\b`)

// ValidateStatement enforces the write rules the generator must obey:
// SELECT and INSERT anywhere, UPDATE on orders only, nothing else.
func ValidateStatement(stmt string) error {
	s := strings.TrimSpace(stmt)
	if s == "" {
		return fmt.Errorf("empty statement")
	}
	// One statement at a time; no stacked queries.
	if strings.Contains(strings.TrimSuffix(s, ";"), ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}

	upper := strings.ToUpper(s)
	switch {
	case strings.HasPrefix(upper, "SELECT"):
		return nil
	case strings.HasPrefix(upper, "INSERT"):
		return nil
	case strings.HasPrefix(upper, "UPDATE"):
		if !updateOrdersRe.MatchString(s) {
			return fmt.Errorf("UPDATE is allowed only on the orders table")
		}
		return nil
	default:
		return fmt.Errorf("only SELECT, INSERT, and UPDATE of orders are allowed")
	}
}

const maxResultRows = 50

// Run executes one guarded SQL statement and returns a textual result
// for the model to read.
func (c *Catalog) Run(ctx context.Context, stmt string) (string, error) {
	if err := ValidateStatement(stmt); err != nil {
		return "", err
	}

	upper := strings.ToUpper(strings.TrimSpace(stmt))
	if !strings.HasPrefix(upper, "SELECT") {
		res, err := c.db.ExecContext(ctx, stmt)
		if err != nil {
			return "", err
		}
		n, _ := res.RowsAffected()
		return fmt.Sprintf("OK, %d row(s) affected", n), nil
	}

	rows, err := c.db.QueryContext(ctx, stmt)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, " | "))
	sb.WriteString("\n")

	count := 0
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if count >= maxResultRows {
			sb.WriteString("... (truncated)\n")
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		fields := make([]string, len(cols))
		for i, v := range values {
			switch val := v.(type) {
			case []byte:
				fields[i] = string(val)
			case nil:
				fields[i] = ""
			default:
				fields[i] = fmt.Sprintf("%v", val)
			}
		}
		sb.WriteString(strings.Join(fields, " | "))
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if count == 0 {
		return "no rows", nil
	}
	return sb.String(), nil
}
