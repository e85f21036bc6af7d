package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileMessage(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, png, 0600))

	content, metadata, err := fileMessage(path)
	require.NoError(t, err)
	assert.Equal(t, "photo.png", content)

	list, ok := metadata["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	first, ok := list[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "image/png", first["mimeType"])
	assert.Equal(t, "image", first["type"])
}

func TestFileMessage_Missing(t *testing.T) {
	_, _, err := fileMessage(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}
