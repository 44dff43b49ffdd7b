package filecrypto

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key, err := appcrypto.RandomBytes(appcrypto.KeySize)
	require.NoError(t, err)
	return key
}

func TestCBCBlobRoundTrip(t *testing.T) {
	key := newKey(t)
	plaintext := []byte("0123456789abcdef")

	blob, err := EncryptBytes(key, plaintext)
	require.NoError(t, err)
	require.Equal(t, VersionCBC, blob[0])
	// version byte + IV + data block + full PKCS#7 padding block for a 16-byte input
	require.Len(t, blob, 1+16+32)

	got, err := DecryptBytes(key, blob)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestCTRBlobRoundTrip(t *testing.T) {
	key := newKey(t)
	nonce, err := appcrypto.RandomBytes(8)
	require.NoError(t, err)

	plaintext := make([]byte, 100_000)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}
	stream, err := appcrypto.NewCTRStream(key, nonce)
	require.NoError(t, err)
	blob := make([]byte, 1+8+len(plaintext))
	blob[0] = VersionCTR
	copy(blob[1:9], nonce)
	stream.XORKeyStream(blob[9:], plaintext)

	got, err := DecryptBytes(key, blob)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	_, err := DecryptBytes(newKey(t), []byte{0x7f, 1, 2, 3})
	require.ErrorIs(t, err, ErrUnknownVersion)

	_, err = DecryptBytes(newKey(t), nil)
	require.ErrorIs(t, err, ErrBlobTooShort)
}

func TestEncryptFileSmallUsesCBC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.bin")
	plaintext := []byte("hello small file")
	require.NoError(t, os.WriteFile(path, plaintext, 0o600))

	key := newKey(t)
	src, size, err := EncryptFile(path, key)
	require.NoError(t, err)
	require.EqualValues(t, len(plaintext), size)

	r, err := src.Open()
	require.NoError(t, err)
	blob, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, VersionCBC, blob[0])

	got, err := DecryptBytes(key, blob)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
	require.NoError(t, src.Discard())
}

// streamingFixture writes a plaintext file large enough to cross the
// CTR threshold without materializing the whole thing as one slice.
func streamingFixture(t *testing.T, path string, size int64) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	chunk := make([]byte, 1024*1024)
	for i := range chunk {
		chunk[i] = byte(i % 239)
	}
	var written int64
	for written < size {
		n := int64(len(chunk))
		if size-written < n {
			n = size - written
		}
		_, err := f.Write(chunk[:n])
		require.NoError(t, err)
		written += n
	}
	require.NoError(t, f.Close())
}

func TestEncryptFileLargeStreamsCTR(t *testing.T) {
	if testing.Short() {
		t.Skip("large-file streaming test skipped in -short mode")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "large.bin")
	const size = StreamThreshold + 5*1024*1024
	streamingFixture(t, path, size)

	key := newKey(t)
	src, plainSize, err := EncryptFile(path, key)
	require.NoError(t, err)
	require.EqualValues(t, size, plainSize)

	blobSize, err := src.Size()
	require.NoError(t, err)
	require.EqualValues(t, size+1+8, blobSize)

	// The blob on disk must begin with the CTR version byte.
	r, err := src.Open()
	require.NoError(t, err)
	head := make([]byte, 1)
	_, err = io.ReadFull(r, head)
	require.NoError(t, err)
	require.Equal(t, VersionCTR, head[0])
	require.NoError(t, r.Close())

	// Spool the blob to a "downloaded" temp file in arbitrary chunk
	// sizes, then decrypt it back out and compare.
	downloaded := filepath.Join(dir, "downloaded.enc")
	out, err := os.Create(downloaded)
	require.NoError(t, err)
	r, err = src.Open()
	require.NoError(t, err)
	chunkSizes := []int{1, 7, 64 * 1024, 1024*1024 + 13}
	i := 0
	for {
		buf := make([]byte, chunkSizes[i%len(chunkSizes)])
		i++
		n, rerr := r.Read(buf)
		if n > 0 {
			_, werr := out.Write(buf[:n])
			require.NoError(t, werr)
		}
		if rerr == io.EOF {
			break
		}
		require.NoError(t, rerr)
	}
	require.NoError(t, r.Close())
	require.NoError(t, out.Close())
	require.NoError(t, src.Discard())

	decrypted := filepath.Join(dir, "decrypted.bin")
	require.NoError(t, DecryptFileToPath(downloaded, key, decrypted))

	requireFilesEqual(t, path, decrypted)
}

func TestDecryptFileToPathCBC(t *testing.T) {
	dir := t.TempDir()
	key := newKey(t)
	plaintext := []byte("cbc on disk")
	blob, err := EncryptBytes(key, plaintext)
	require.NoError(t, err)

	encPath := filepath.Join(dir, "f.enc")
	require.NoError(t, os.WriteFile(encPath, blob, 0o600))
	outPath := filepath.Join(dir, "f.out")
	require.NoError(t, DecryptFileToPath(encPath, key, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func requireFilesEqual(t *testing.T, a, b string) {
	t.Helper()
	fa, err := os.Open(a)
	require.NoError(t, err)
	defer fa.Close()
	fb, err := os.Open(b)
	require.NoError(t, err)
	defer fb.Close()

	bufA := make([]byte, 1024*1024)
	bufB := make([]byte, 1024*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		require.Equal(t, na, nb)
		require.True(t, bytes.Equal(bufA[:na], bufB[:nb]))
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			require.True(t, errB == io.EOF || errB == io.ErrUnexpectedEOF)
			return
		}
		require.NoError(t, errA)
		require.NoError(t, errB)
	}
}
