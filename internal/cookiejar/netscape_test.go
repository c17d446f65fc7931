package cookiejar

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJar = `# Netscape HTTP Cookie File
.yandex.ru	TRUE	/	TRUE	0	Session_id	abc123
.yandex.ru	TRUE	/	TRUE	0	yandexuid	9999
`

func writeJarFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesNetscapeFormat(t *testing.T) {
	path := writeJarFile(t, sampleJar)
	jar, err := Load(path, nil)
	require.NoError(t, err)

	u, err := url.Parse("https://disk.yandex.ru/client/notes")
	require.NoError(t, err)

	cookies := jar.Cookies(u)
	require.Len(t, cookies, 2)

	names := map[string]string{}
	for _, c := range cookies {
		names[c.Name] = c.Value
	}
	assert.Equal(t, "abc123", names["Session_id"])
	assert.Equal(t, "9999", names["yandexuid"])
}

func TestCookiesOnlyMatchRelevantDomain(t *testing.T) {
	path := writeJarFile(t, sampleJar)
	jar, err := Load(path, nil)
	require.NoError(t, err)

	u, err := url.Parse("https://unrelated.example.com/")
	require.NoError(t, err)

	assert.Empty(t, jar.Cookies(u))
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := writeJarFile(t, sampleJar)
	jar, err := Load(path, nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	require.NoError(t, jar.Watch(stop))

	updated := sampleJar + ".yandex.ru\tTRUE\t/\tTRUE\t0\tnew_cookie\tfreshvalue\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	u, _ := url.Parse("https://disk.yandex.ru/")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, c := range jar.Cookies(u) {
			if c.Name == "new_cookie" {
				found = true
			}
		}
		if found {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("jar did not pick up new cookie after file rewrite")
}
