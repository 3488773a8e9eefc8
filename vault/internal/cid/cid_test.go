package cid

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/evidence/vault/internal/models"
)

const helloCID = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestFromBytesKnownVector(t *testing.T) {
	assert.Equal(t, helloCID, FromBytes([]byte("hello")))
	assert.True(t, Valid(helloCID))
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	got, n, err := FromReader(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, helloCID, got)
	assert.EqualValues(t, 5, n)
}

func TestFromFileIgnoresName(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pdf")
	b := filepath.Join(dir, "renamed-copy.bin")
	require.NoError(t, os.WriteFile(a, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("hello"), 0o600))

	ca, _, err := FromFile(a)
	require.NoError(t, err)
	cb, _, err := FromFile(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestFromFileMissing(t *testing.T) {
	_, _, err := FromFile(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, errors.Is(err, models.ErrContentUnreadable))
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("disk went away")
	}
	n := len(p)
	if n > f.after {
		n = f.after
	}
	f.after -= n
	return n, nil
}

func TestFromReaderPartialRead(t *testing.T) {
	_, n, err := FromReader(&failingReader{after: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrContentUnreadable))
	assert.EqualValues(t, 10, n)
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid(helloCID[:63]))
	assert.False(t, Valid("2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"))
	assert.False(t, Valid(helloCID[:63]+"g"))
}

func TestAddressingIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("addressing the same bytes twice yields the same CID", prop.ForAll(
		func(b []byte) bool {
			first := FromBytes(b)
			second, n, err := FromReader(bytes.NewReader(append([]byte(nil), b...)))
			return err == nil && n == int64(len(b)) && first == second && Valid(first)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("distinct bytes yield distinct CIDs", prop.ForAll(
		func(b []byte, extra uint8) bool {
			return FromBytes(b) != FromBytes(append(append([]byte(nil), b...), extra))
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
