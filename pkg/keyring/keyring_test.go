package keyring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileKeyring(t *testing.T) *FileKeyring {
	t.Helper()
	return NewFileKeyring(filepath.Join(t.TempDir(), "keyring.json"), "master-password")
}

func TestFileKeyringRoundTrip(t *testing.T) {
	fk := newFileKeyring(t)

	require.NoError(t, fk.Set("realmgate-idp", "tenant-a", "s3cret"))

	got, err := fk.Get("realmgate-idp", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestFileKeyringMissingEntry(t *testing.T) {
	fk := newFileKeyring(t)

	require.NoError(t, fk.Set("realmgate-idp", "tenant-a", "s3cret"))

	_, err := fk.Get("realmgate-idp", "tenant-b")
	assert.Error(t, err)
}

func TestFileKeyringDelete(t *testing.T) {
	fk := newFileKeyring(t)

	require.NoError(t, fk.Set("realmgate-idp", "tenant-a", "s3cret"))
	require.NoError(t, fk.Delete("realmgate-idp", "tenant-a"))

	_, err := fk.Get("realmgate-idp", "tenant-a")
	assert.Error(t, err)
}

func TestFileKeyringWrongMasterPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")

	writer := NewFileKeyring(path, "right-password")
	require.NoError(t, writer.Set("realmgate-idp", "tenant-a", "s3cret"))

	reader := NewFileKeyring(path, "wrong-password")
	_, err := reader.Get("realmgate-idp", "tenant-a")
	assert.Error(t, err)
}
