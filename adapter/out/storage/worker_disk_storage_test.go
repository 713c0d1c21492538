package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoragePutOpenDelete(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 7, 9, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	name, digest, err := s.Put(ctx, "../../etc/report.pdf", []byte("pdf-bytes"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(name, "2024/07/"), name)
	assert.True(t, strings.HasSuffix(name, "_report.pdf"), name)
	sum := sha256.Sum256([]byte("pdf-bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	data, err := s.Open(name)
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(data))

	require.NoError(t, s.Delete(ctx, name))
	require.NoError(t, s.Delete(ctx, name), "deleting twice is fine")
	_, err = s.Open(name)
	assert.Error(t, err)

	assert.Error(t, s.Delete(ctx, "../outside"))
}

func TestDiskStorageSameNameTwice(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	a, _, err := s.Put(context.Background(), "a.txt", []byte("1"))
	require.NoError(t, err)
	b, _, err := s.Put(context.Background(), "a.txt", []byte("2"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{`C:\Users\me\notes.txt`, "notes.txt"},
		{"a:b*c?.png", "a_b_c_.png"},
		{"...", "attachment"},
		{"", "attachment"},
		{"Übersicht.docx", "Übersicht.docx"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}
