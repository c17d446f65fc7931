// Package cookiejar loads a Netscape-format cookie file (the format
// browser extensions commonly export, and the format cookies.txt tooling
// produces) and keeps it live: a file-watcher reloads the jar whenever the
// operator refreshes their exported session cookies without requiring a
// process restart.
package cookiejar

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileJar implements http.CookieJar backed by a Netscape cookie file that
// can be reloaded at runtime.
type FileJar struct {
	path   string
	logger *logrus.Logger

	mu      sync.RWMutex
	byHost  map[string][]*http.Cookie
	watcher *fsnotify.Watcher
}

// Load reads path and builds a FileJar from it.
func Load(path string, logger *logrus.Logger) (*FileJar, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	j := &FileJar{path: path, logger: logger}
	if err := j.reload(); err != nil {
		return nil, err
	}
	return j, nil
}

// Cookies implements http.CookieJar.
func (j *FileJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*http.Cookie
	for host, cookies := range j.byHost {
		if !hostMatches(u.Hostname(), host) {
			continue
		}
		out = append(out, cookies...)
	}
	return out
}

// SetCookies implements http.CookieJar. Server-issued cookies are added to
// the in-memory set for the host; they are not written back to disk, and
// the next reload of the file replaces them with the file's contents.
func (j *FileJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.byHost[u.Hostname()] = append(j.byHost[u.Hostname()], cookies...)
}

func hostMatches(requestHost, cookieHost string) bool {
	cookieHost = strings.TrimPrefix(cookieHost, ".")
	if requestHost == cookieHost {
		return true
	}
	return strings.HasSuffix(requestHost, "."+cookieHost)
}

func (j *FileJar) reload() error {
	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("cookiejar: open %s: %w", j.path, err)
	}
	defer f.Close()

	byHost := make(map[string][]*http.Cookie)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		domain := fields[0]
		secure := strings.EqualFold(fields[3], "TRUE")
		expiresUnix, _ := strconv.ParseInt(fields[4], 10, 64)
		name, value := fields[5], fields[6]

		c := &http.Cookie{
			Name:   name,
			Value:  value,
			Path:   fields[2],
			Domain: domain,
			Secure: secure,
		}
		if expiresUnix > 0 {
			c.Expires = time.Unix(expiresUnix, 0)
		}
		byHost[domain] = append(byHost[domain], c)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cookiejar: scan %s: %w", j.path, err)
	}

	j.mu.Lock()
	j.byHost = byHost
	j.mu.Unlock()
	return nil
}

// Watch reloads the jar whenever the backing file is rewritten, until
// stop is closed. Reload errors are logged rather than propagated, since a
// transient partial write (the operator's export tool truncating before
// rewriting) should not tear down an otherwise-working jar.
func (j *FileJar) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cookiejar: new watcher: %w", err)
	}
	if err := watcher.Add(j.path); err != nil {
		watcher.Close()
		return fmt.Errorf("cookiejar: watch %s: %w", j.path, err)
	}
	j.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := j.reload(); err != nil {
					j.logger.WithError(err).Warn("cookiejar: reload failed")
					continue
				}
				j.logger.WithField("path", j.path).Info("cookiejar: reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				j.logger.WithError(err).Warn("cookiejar: watcher error")
			}
		}
	}()
	return nil
}
