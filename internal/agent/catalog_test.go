package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestValidateStatement(t *testing.T) {
	cases := []struct {
		name string
		stmt string
		ok   bool
	}{
		{"select", "SELECT menu_name, price FROM menu", true},
		{"select lowercase", "select * from promotions", true},
		{"select with trailing semicolon", "SELECT * FROM stores;", true},
		{"insert order", "INSERT INTO orders (menu_name, quantity, price) VALUES ('ชาเย็น', 1, 25)", true},
		{"update orders", "UPDATE orders SET quantity = 2 WHERE order_id = 1", true},
		{"update orders mixed case", "  update Orders set quantity = 2", true},
		{"update menu", "UPDATE menu SET price = 0", false},
		{"delete", "DELETE FROM orders", false},
		{"drop", "DROP TABLE menu", false},
		{"stacked", "SELECT 1; DROP TABLE menu", false},
		{"empty", "   ", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateStatement(tc.stmt)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCatalogSeedsMenu(t *testing.T) {
	c := openTestCatalog(t)

	out, err := c.Run(context.Background(), "SELECT menu_name, price FROM menu ORDER BY menu_id")
	require.NoError(t, err)
	assert.Contains(t, out, "menu_name | price")
	assert.Contains(t, out, "ข้าวผัดกะเพราไก่ | 50")
	assert.Contains(t, out, "ชาเย็น | 25")
}

func TestCatalogSeedIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")

	c1, err := OpenCatalog(path)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := OpenCatalog(path)
	require.NoError(t, err)
	defer c2.Close()

	out, err := c2.Run(context.Background(), "SELECT COUNT(*) FROM menu")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "6", strings.TrimSpace(lines[1]))
}

func TestCatalogRunInsertAndUpdate(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	out, err := c.Run(ctx, "INSERT INTO orders (tenant_id, customer_id, menu_name, quantity, price) VALUES ('shopA', 'U1', 'ต้มยำกุ้ง', 2, 160)")
	require.NoError(t, err)
	assert.Equal(t, "OK, 1 row(s) affected", out)

	out, err = c.Run(ctx, "UPDATE orders SET quantity = 3 WHERE customer_id = 'U1'")
	require.NoError(t, err)
	assert.Equal(t, "OK, 1 row(s) affected", out)

	out, err = c.Run(ctx, "SELECT quantity FROM orders WHERE customer_id = 'U1'")
	require.NoError(t, err)
	assert.Contains(t, out, "3")
}

func TestCatalogRunRejectsGuardedStatements(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.Run(ctx, "DELETE FROM menu")
	assert.Error(t, err)

	_, err = c.Run(ctx, "UPDATE menu SET price = 1")
	assert.Error(t, err)

	// Guard rejected it, so the data is untouched.
	out, err := c.Run(ctx, "SELECT COUNT(*) FROM menu")
	require.NoError(t, err)
	assert.Contains(t, out, "6")
}

func TestCatalogRunNoRows(t *testing.T) {
	c := openTestCatalog(t)

	out, err := c.Run(context.Background(), "SELECT * FROM orders WHERE customer_id = 'nobody'")
	require.NoError(t, err)
	assert.Equal(t, "no rows", out)
}
