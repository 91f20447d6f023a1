package utils

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/y1jeong/perfdesign/models"
	"golang.org/x/crypto/bcrypt"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
	// fullwidth characters fold to ASCII under NFKC
	assert.Equal(t, "bob@example.com", NormalizeEmail("ＢＯＢ@example.com"))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "battery staple"))
	assert.False(t, CheckPassword("not-a-hash", "correct horse"))
}

func TestNewOpaqueToken(t *testing.T) {
	raw, hash, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, HashToken(raw), hash)
	assert.NotEqual(t, raw, hash)

	other, _, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

func TestIsDuplicateKeyNil(t *testing.T) {
	assert.False(t, IsDuplicateKey(nil))
}

func fileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File["file"][0]
}

func TestFileValidator(t *testing.T) {
	pdf := []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n<<>>\nendobj\n")
	v := NewFileValidator([]string{".pdf", "png"}, []string{"application/pdf", "image/png"}, 1<<20)

	mimeType, err := v.ValidateFile(fileHeader(t, "panel.pdf", pdf))
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", mimeType)

	_, err = v.ValidateFile(fileHeader(t, "panel.exe", pdf))
	assert.Error(t, err)

	// extension allowed but the content sniffs as plain text
	_, err = v.ValidateFile(fileHeader(t, "panel.png", []byte("just some text")))
	assert.Error(t, err)

	small := NewFileValidator([]string{".pdf"}, []string{"application/pdf"}, 8)
	_, err = small.ValidateFile(fileHeader(t, "panel.pdf", pdf))
	assert.Error(t, err)
}

func TestLocalStoragePutAndRelease(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	artifact, err := store.Put(ctx, Upload{
		SessionID: "s-1",
		FileName:  "outline.svg",
		Body:      bytes.NewBufferString("<svg/>"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StorageLocal, artifact.Storage)
	assert.Equal(t, int64(6), artifact.SizeBytes)
	assert.Contains(t, artifact.ObjectName, "sessions/s-1/")

	path := filepath.Join(store.root, filepath.FromSlash(artifact.ObjectName))
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, artifact))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// releasing twice is fine
	assert.NoError(t, store.Release(ctx, artifact))

	assert.Error(t, store.Release(ctx, models.Artifact{Storage: models.StorageLocal, ObjectName: "../../etc/passwd"}))
}

func TestArtifactRouterReleasesThroughOwningBackend(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	router := NewArtifactRouter(local)

	artifact, err := router.Put(context.Background(), Upload{SessionID: "s", FileName: "a.txt", Body: bytes.NewBufferString("x")})
	require.NoError(t, err)
	assert.NoError(t, router.Release(context.Background(), artifact))

	err = router.Release(context.Background(), models.Artifact{Storage: models.StorageGCS, ObjectName: "x"})
	assert.Error(t, err)
}

type fakeSeeder struct {
	calls []string
	seen  map[string]bool
}

func (f *fakeSeeder) SeedAdmin(ctx context.Context, email, hash string) (bool, error) {
	f.calls = append(f.calls, email)
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[email] {
		return false, nil
	}
	f.seen[email] = true
	return true, nil
}

func TestSeedAdminUser(t *testing.T) {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	seeder := &fakeSeeder{}
	ctx := context.Background()

	require.NoError(t, SeedAdminUser(ctx, seeder, "", "", bcrypt.MinCost, log))
	assert.Empty(t, seeder.calls)

	assert.Error(t, SeedAdminUser(ctx, seeder, "admin@example.com", "", bcrypt.MinCost, log))

	require.NoError(t, SeedAdminUser(ctx, seeder, " Admin@Example.com", "s3cret", bcrypt.MinCost, log))
	require.NoError(t, SeedAdminUser(ctx, seeder, "admin@example.com", "s3cret", bcrypt.MinCost, log))
	assert.Equal(t, []string{"admin@example.com", "admin@example.com"}, seeder.calls)
}
