package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumn_Width(t *testing.T) {
	col := NewColumn("email", 64)
	assert.Equal(t, 1+12+64+16, col.Width())
	assert.Equal(t, "BLOB CHECK (email IS NULL OR length(email) <= 93)", col.SQLiteType())

	assert.Panics(t, func() { NewColumn("bad", -1) })
}

func TestColumn_Check(t *testing.T) {
	col := NewColumn("name", 16)
	key := newTestDataKey(t)

	fits, err := Seal(key, []byte("exactly16bytes!!"))
	require.NoError(t, err)
	short, err := Seal(key, []byte(""))
	require.NoError(t, err)
	tooLong, err := Seal(key, []byte("seventeen bytes!!"))
	require.NoError(t, err)

	badVersion := append([]byte(nil), fits...)
	badVersion[0] = 'a'

	tests := []struct {
		name    string
		value   []byte
		wantErr bool
	}{
		{"null", nil, false},
		{"zero placeholder", col.Zero(), false},
		{"full width ciphertext", fits, false},
		{"empty plaintext ciphertext", short, false},
		{"plaintext written by mistake", []byte("alice@example.com"), true},
		{"empty bytes", []byte{}, true},
		{"wider than column", tooLong, true},
		{"unknown version", badVersion, true},
		{"short zero run", make([]byte, 10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := col.Check(tt.value)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrSchemaViolation)

			var sv *SchemaViolationError
			require.ErrorAs(t, err, &sv)
			assert.Equal(t, "name", sv.Column)
			assert.Equal(t, len(tt.value), sv.Length)
		})
	}
}

func TestColumn_BindScan(t *testing.T) {
	col := NewColumn("amount", 32)
	sealed, err := Seal(newTestDataKey(t), []byte("12.50"))
	require.NoError(t, err)

	v, err := col.Bind(sealed).Value()
	require.NoError(t, err)
	assert.Equal(t, sealed, v)

	v, err = col.Bind(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = col.Bind([]byte("12.50")).Value()
	assert.ErrorIs(t, err, ErrSchemaViolation)

	var dst []byte
	require.NoError(t, col.Scan(&dst).Scan(sealed))
	assert.Equal(t, sealed, dst, "reads pass through unchanged")
	sealed[5] ^= 0xFF
	assert.NotEqual(t, sealed, dst, "scanned bytes should be a copy")

	require.NoError(t, col.Scan(&dst).Scan(nil))
	assert.Nil(t, dst)

	assert.Error(t, col.Scan(&dst).Scan(42))
}
