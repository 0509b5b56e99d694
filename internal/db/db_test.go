package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMySQL(t *testing.T) {
	assert.True(t, isMySQL("mysql://u:p@tcp(127.0.0.1:3306)/chat"))
	assert.True(t, isMySQL("u:p@tcp(db:3306)/chat?parseTime=true"))
	assert.False(t, isMySQL("file::memory:?cache=shared"))
	assert.False(t, isMySQL("./data/chat.db"))
}

func TestConnectSQLite(t *testing.T) {
	gdb, err := Connect("sqlite://file::memory:?cache=shared")
	require.NoError(t, err)
	var one int
	require.NoError(t, gdb.Raw("select 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
}
